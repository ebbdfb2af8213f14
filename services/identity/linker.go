package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/repositories"
	"github.com/upb/identity-service/services"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LinkPolicy decides whether an external identity may claim an existing account.
//
// An OIDC login whose email matches an existing LOCAL account is accepted only when
// AllowLocalLink is set and the provider asserted the email as verified. An account
// of the same provider with a different subject is always rejected. Accounts of
// other OIDC providers are reused, since both providers vouched for the email.
type LinkPolicy struct {
	AllowLocalLink bool
}

// LinkResult is the outcome of resolving an external identity
type LinkResult struct {
	Identity models.ResolvedIdentity
	Provider models.ProviderTag

	// Created is true when this login materialised the account
	Created bool

	// LinkedLocal is true when the login claimed a LOCAL account
	LinkedLocal bool
}

// Linker maps a verified external identity onto exactly one account per email
type Linker struct {
	accounts repositories.AccountRepository
	policy   LinkPolicy
	group    singleflight.Group
	logger   *zap.Logger
}

// NewLinker creates a new OIDC identity linker
func NewLinker(accounts repositories.AccountRepository, policy LinkPolicy, logger *zap.Logger) *Linker {
	return &Linker{
		accounts: accounts,
		policy:   policy,
		logger:   logger,
	}
}

// LinkOrCreate finds the account for ext's email or creates it. Concurrent first logins
// for one email share a single store round trip in this process; across processes the
// store's unique email index picks the winner. The link policy is applied per caller,
// against that caller's own assertion. Existing records are never modified.
func (l *Linker) LinkOrCreate(ctx context.Context, ext models.VerifiedExternalIdentity) (LinkResult, error) {
	email := models.NormalizeEmail(ext.Email)
	if email == "" {
		return LinkResult{}, services.ErrOIDCEmailMissing
	}
	if strings.TrimSpace(ext.Subject) == "" || strings.TrimSpace(ext.Provider) == "" {
		return LinkResult{}, services.ErrOIDCHandshake.Wrap(errors.New("external identity lacks provider or subject"))
	}
	ext.Email = email
	tag := models.OIDCProvider(ext.Provider)

	// one caller giving up must not fail the others sharing the flight
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := l.group.Do(email, func() (interface{}, error) {
		return l.findOrCreate(flightCtx, ext)
	})
	if err != nil {
		return LinkResult{}, err
	}
	found := v.(lookup)

	if found.created && ownsAccount(found.account, tag, ext.Subject) {
		return LinkResult{Identity: found.account.Identity(), Provider: tag, Created: true}, nil
	}
	return l.link(found.account, ext, tag)
}

// lookup is what a flight shares: the account row and whether the flight inserted it
type lookup struct {
	account *models.Account
	created bool
}

func (l *Linker) findOrCreate(ctx context.Context, ext models.VerifiedExternalIdentity) (lookup, error) {
	existing, err := l.accounts.GetByEmail(ctx, ext.Email)
	switch {
	case err == nil:
		return lookup{account: existing}, nil
	case !errors.Is(err, repositories.ErrNotFound):
		return lookup{}, storeError(err)
	}

	account, created, err := l.accounts.FindOrCreate(ctx, models.NewExternalAccount(ext))
	if err != nil {
		if !errors.Is(err, repositories.ErrDuplicateEmail) {
			return lookup{}, storeError(err)
		}
		// lost a race the store did not arbitrate for us: the row exists now
		account, err = l.accounts.GetByEmail(ctx, ext.Email)
		if err != nil {
			return lookup{}, storeError(err)
		}
		created = false
	}

	if created {
		l.logger.Info("account created from external identity",
			zap.String("sub", account.ID.String()),
			zap.String("provider", string(account.Provider)),
		)
	}
	return lookup{account: account, created: created}, nil
}

// ownsAccount reports whether provider tag and subject are the ones the account was created for
func ownsAccount(account *models.Account, tag models.ProviderTag, subject string) bool {
	return account.Provider == tag && account.ProviderSubject != nil && *account.ProviderSubject == subject
}

func (l *Linker) link(account *models.Account, ext models.VerifiedExternalIdentity, tag models.ProviderTag) (LinkResult, error) {
	result := LinkResult{Identity: account.Identity(), Provider: tag}

	switch {
	case account.Provider.IsLocal():
		if !l.policy.AllowLocalLink || !ext.EmailVerified {
			l.logger.Warn("external login for local account denied",
				zap.String("sub", account.ID.String()),
				zap.String("provider", string(tag)),
				zap.Bool("email_verified", ext.EmailVerified),
			)
			return LinkResult{}, services.ErrAccountLinkDenied
		}
		result.LinkedLocal = true

	case account.Provider == tag:
		if account.ProviderSubject != nil && *account.ProviderSubject != ext.Subject {
			l.logger.Warn("external subject does not match account",
				zap.String("sub", account.ID.String()),
				zap.String("provider", string(tag)),
			)
			return LinkResult{}, services.ErrAccountLinkDenied
		}
	}

	return result, nil
}
