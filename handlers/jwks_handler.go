package handlers

import (
	"context"
	"net/http"

	"github.com/upb/identity-service/services/token"
	"github.com/upb/identity-service/utils"
	"go.uber.org/zap"
)

// KeySet lists the public verification keys
type KeySet interface {
	PublicJWKS(ctx context.Context) (*token.JWKS, error)
}

// JWKSHandler publishes the token verification keys. With HS256 the set is empty.
type JWKSHandler struct {
	keys   KeySet
	logger *zap.Logger
}

// NewJWKSHandler creates a new JWKSHandler
func NewJWKSHandler(keys KeySet, logger *zap.Logger) *JWKSHandler {
	return &JWKSHandler{keys: keys, logger: logger}
}

// HandleJWKS handles GET /.well-known/jwks.json
func (h *JWKSHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.PublicJWKS(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := utils.WriteJSON(w, http.StatusOK, set); err != nil {
		h.logger.Error("failed to write jwks response", zap.Error(err))
	}
}
