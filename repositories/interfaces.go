package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
)

var (
	// ErrNotFound is returned when no record matches the lookup key
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEmail is returned when an insert collides with the unique email index
	ErrDuplicateEmail = errors.New("email already exists")

	// ErrUnavailable is returned when the backing store cannot be reached in time
	ErrUnavailable = errors.New("store unavailable")
)

// AccountRepository is the identity store. Emails are normalised by every implementation.
type AccountRepository interface {
	// GetByEmail returns ErrNotFound when no account has the email
	GetByEmail(ctx context.Context, email string) (*models.Account, error)

	// GetByID returns ErrNotFound when the id is unknown
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)

	// ExistsByEmail reports whether any account (of any provider) owns the email
	ExistsByEmail(ctx context.Context, email string) (bool, error)

	// Create inserts a new account, returning ErrDuplicateEmail if the email is taken
	Create(ctx context.Context, account *models.Account) error

	// FindOrCreate atomically inserts the account unless its email already exists.
	// It returns the stored record and whether this call created it.
	FindOrCreate(ctx context.Context, account *models.Account) (*models.Account, bool, error)
}

// AuthEventRepository persists authentication audit events
type AuthEventRepository interface {
	Insert(ctx context.Context, event *models.AuthEvent) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuthEvent, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Accounts   AccountRepository
	AuthEvents AuthEventRepository
}
