package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/identity-service/services"
	"github.com/upb/identity-service/utils"
	"go.uber.org/zap"
)

// StatusFor returns the HTTP status a service error is reported with
func StatusFor(err error) int {
	switch {
	case utils.IsValidationError(err), errors.Is(err, utils.ErrInvalidBody):
		return http.StatusBadRequest
	case services.IsNotFoundError(err):
		return http.StatusNotFound
	case services.IsValidationError(err):
		return http.StatusBadRequest
	case services.IsUnauthorizedError(err):
		return http.StatusUnauthorized
	case services.IsForbiddenError(err):
		return http.StatusForbidden
	case services.IsRateLimitError(err):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrEmailTaken):
		// existing clients expect 400 for a taken email
		return http.StatusBadRequest
	case services.IsConflictError(err):
		return http.StatusConflict
	case services.IsUnavailableError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError maps domain errors to HTTP responses.
// Bodies carry the domain error's stable code and its public message only;
// wrapped causes are logged, never written.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	if utils.IsValidationError(err) || errors.Is(err, utils.ErrInvalidBody) {
		HandleValidationError(w, err, logger)
		return
	}

	status := StatusFor(err)

	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) {
		logger.Error("unhandled error type", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	code := domainErr.Code
	if code == "" {
		code = string(domainErr.Type)
	}

	var writeErr error
	switch {
	case status == http.StatusTooManyRequests:
		writeErr = utils.WriteTooManyRequests(w, code, domainErr.Message, domainErr.Details)

	case status == http.StatusServiceUnavailable:
		logger.Warn("dependency unavailable", zap.String("code", code), zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, code, domainErr.Message)

	case status >= http.StatusInternalServerError:
		logger.Error("internal server error", zap.String("code", code), zap.Error(err))
		if code == string(services.ErrorTypeInternal) {
			code = services.ErrInternal.Code
		}
		writeErr = utils.WriteErrorCode(w, status, code, "An internal error occurred", nil)

	default:
		writeErr = utils.WriteErrorCode(w, status, code, domainErr.Message, domainErr.Details)
	}
	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}

	logger.Debug("handled service error",
		zap.String("type", string(domainErr.Type)),
		zap.String("code", code),
		zap.Int("status", status))
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	code := services.ErrInvalidInput.Code

	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteErrorCode(w, http.StatusBadRequest, code, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteErrorCode(w, http.StatusBadRequest, code, utils.ErrInvalidBody.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
