// Package memory provides process-local repositories for development and tests.
// Records never expire.
package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/repositories"
)

// AccountRepository keeps accounts in two go-cache maps: by email and by id.
// Insert-if-absent on the email map is atomic, which is what FindOrCreate relies on.
type AccountRepository struct {
	byEmail *gocache.Cache
	byID    *gocache.Cache
}

// NewAccountRepository creates an empty in-memory identity store
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byEmail: gocache.New(gocache.NoExpiration, 0),
		byID:    gocache.New(gocache.NoExpiration, 0),
	}
}

// GetByEmail returns a copy of the stored account
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := r.byEmail.Get(models.NormalizeEmail(email))
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return clone(v.(*models.Account)), nil
}

// GetByID returns a copy of the stored account
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := r.byID.Get(id.String())
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return clone(v.(*models.Account)), nil
}

// ExistsByEmail reports whether the email is taken
func (r *AccountRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := r.byEmail.Get(models.NormalizeEmail(email))
	return ok, nil
}

// Create stores the account unless its email is taken
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	account.Email = models.NormalizeEmail(account.Email)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	stored := clone(account)
	if err := r.byEmail.Add(stored.Email, stored, gocache.NoExpiration); err != nil {
		return repositories.ErrDuplicateEmail
	}
	r.byID.Set(stored.ID.String(), stored, gocache.NoExpiration)
	return nil
}

// FindOrCreate stores the account unless the email exists, in which case the existing record wins
func (r *AccountRepository) FindOrCreate(ctx context.Context, account *models.Account) (*models.Account, bool, error) {
	err := r.Create(ctx, account)
	switch {
	case err == nil:
		return clone(account), true, nil
	case err == repositories.ErrDuplicateEmail:
		existing, err := r.GetByEmail(ctx, account.Email)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	default:
		return nil, false, err
	}
}

// Count returns the number of stored accounts
func (r *AccountRepository) Count() int {
	return r.byEmail.ItemCount()
}

func clone(a *models.Account) *models.Account {
	c := *a
	if a.PasswordHash != nil {
		h := *a.PasswordHash
		c.PasswordHash = &h
	}
	if a.ProviderSubject != nil {
		s := *a.ProviderSubject
		c.ProviderSubject = &s
	}
	return &c
}
