package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuthAction represents the kind of authentication event being recorded
type AuthAction string

const (
	AuthActionRegister       AuthAction = "register"
	AuthActionLoginSucceeded AuthAction = "login_succeeded"
	AuthActionLoginFailed    AuthAction = "login_failed"
	AuthActionOIDCLogin      AuthAction = "oidc_login"
	AuthActionOIDCFailed     AuthAction = "oidc_failed"
	AuthActionAccountLinked  AuthAction = "account_linked"
	AuthActionLogout         AuthAction = "logout"
)

// AuthEvent is an append-only record of an authentication outcome
type AuthEvent struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	AccountID *uuid.UUID      `json:"account_id,omitempty" db:"account_id"`
	Email     string          `json:"email" db:"email"`
	Action    AuthAction      `json:"action" db:"action"`
	Provider  ProviderTag     `json:"provider" db:"provider"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	IPAddress string          `json:"ip_address" db:"ip_address"`
	UserAgent string          `json:"user_agent" db:"user_agent"`
	RequestID string          `json:"request_id" db:"request_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// NewAuthEvent creates a new AuthEvent instance
func NewAuthEvent(action AuthAction, email string, provider ProviderTag) *AuthEvent {
	return &AuthEvent{
		ID:        uuid.New(),
		Email:     NormalizeEmail(email),
		Action:    action,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
	}
}

// WithAccount sets the account ID
func (e *AuthEvent) WithAccount(accountID uuid.UUID) *AuthEvent {
	e.AccountID = &accountID
	return e
}

// WithDetails stores arbitrary metadata as JSON
func (e *AuthEvent) WithDetails(details interface{}) *AuthEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// WithRequest sets request metadata
func (e *AuthEvent) WithRequest(requestID, ipAddress, userAgent string) *AuthEvent {
	e.RequestID = requestID
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}
