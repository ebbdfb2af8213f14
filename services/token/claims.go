package token

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
)

// SubjectPrefix namespaces account ids in the sub claim
const SubjectPrefix = "user:"

// TokenTypeBearer is the only token type this service issues
const TokenTypeBearer = "Bearer"

// Claims are the registered claims plus the account's scope and email
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Email string `json:"email"`
}

// Subject formats an account id as a sub claim
func Subject(accountID uuid.UUID) string {
	return SubjectPrefix + accountID.String()
}

// AccountID parses the account id out of the subject
func (c *Claims) AccountID() (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(c.Subject, SubjectPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("subject %q lacks %q prefix", c.Subject, SubjectPrefix)
	}
	return uuid.Parse(raw)
}

// Identity rebuilds the resolved identity a token was issued for
func (c *Claims) Identity() (models.ResolvedIdentity, error) {
	id, err := c.AccountID()
	if err != nil {
		return models.ResolvedIdentity{}, err
	}
	return models.ResolvedIdentity{
		AccountID: id,
		Email:     c.Email,
		Scope:     models.Scope(c.Scope),
	}, nil
}

// HasScope reports whether the token carries scope
func (c *Claims) HasScope(scope models.Scope) bool {
	return models.Scope(c.Scope) == scope
}
