// Package identity resolves credentials and external assertions to accounts.
package identity

import (
	"context"
	"errors"

	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/repositories"
	"github.com/upb/identity-service/services"
	"go.uber.org/zap"
)

// RegisterInput is a validated local registration request
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// LocalAuthenticator registers and checks email/password accounts
type LocalAuthenticator struct {
	accounts repositories.AccountRepository
	hasher   PasswordHasher
	logger   *zap.Logger
}

// NewLocalAuthenticator creates a new local authenticator
func NewLocalAuthenticator(accounts repositories.AccountRepository, hasher PasswordHasher, logger *zap.Logger) *LocalAuthenticator {
	return &LocalAuthenticator{
		accounts: accounts,
		hasher:   hasher,
		logger:   logger,
	}
}

// Register creates a LOCAL account. Any existing account for the email, of any provider, is EmailTaken.
func (a *LocalAuthenticator) Register(ctx context.Context, in RegisterInput) (*models.Account, error) {
	email := models.NormalizeEmail(in.Email)

	exists, err := a.accounts.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, storeError(err)
	}
	if exists {
		return nil, services.ErrEmailTaken
	}

	hash, err := a.hasher.Hash(in.Password)
	if err != nil {
		return nil, services.WrapInternal("failed to hash password", err)
	}

	account := models.NewLocalAccount(email, in.Name, hash)
	if err := a.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repositories.ErrDuplicateEmail) {
			return nil, services.ErrEmailTaken
		}
		return nil, storeError(err)
	}

	a.logger.Info("local account registered", zap.String("sub", account.ID.String()))
	return account, nil
}

// Authenticate checks an email/password pair. Unknown email, provider-only account and
// wrong password are indistinguishable to the caller.
func (a *LocalAuthenticator) Authenticate(ctx context.Context, email, password string) (models.ResolvedIdentity, error) {
	account, err := a.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			a.hasher.CompareDummy(password)
			return models.ResolvedIdentity{}, services.ErrInvalidCredentials
		}
		return models.ResolvedIdentity{}, storeError(err)
	}

	if !account.HasPassword() {
		a.hasher.CompareDummy(password)
		return models.ResolvedIdentity{}, services.ErrInvalidCredentials
	}

	if err := a.hasher.Compare(*account.PasswordHash, password); err != nil {
		if !errors.Is(err, ErrPasswordMismatch) {
			a.logger.Warn("stored password hash is unusable",
				zap.String("sub", account.ID.String()),
				zap.Error(err),
			)
		}
		return models.ResolvedIdentity{}, services.ErrInvalidCredentials
	}

	return account.Identity(), nil
}

// storeError reports every identity store failure as StoreUnavailable
func storeError(err error) error {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return services.WrapUnavailable(err)
}
