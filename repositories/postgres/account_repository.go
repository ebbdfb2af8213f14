package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/repositories"
	"go.uber.org/zap"
)

const (
	accountColumns = `id, email, name, password_hash, provider, provider_subject, scope, created_at`

	emailConstraint = "ux_accounts_email"
)

// AccountRepository implements repositories.AccountRepository
type AccountRepository struct {
	db      *DB
	timeout time.Duration
	logger  *zap.Logger
}

// NewAccountRepository creates a new account repository. Every call is bounded by timeout.
func NewAccountRepository(db *DB, timeout time.Duration, logger *zap.Logger) repositories.AccountRepository {
	return &AccountRepository{
		db:      db,
		timeout: timeout,
		logger:  logger,
	}
}

func (r *AccountRepository) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// GetByEmail retrieves an account by its normalised email
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	row := r.db.QueryRowContext(ctx, query, models.NormalizeEmail(email))

	account, err := scanAccount(row)
	if err != nil {
		return nil, classify("get account by email", err)
	}
	return account, nil
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)

	account, err := scanAccount(row)
	if err != nil {
		return nil, classify("get account by id", err)
	}
	return account, nil
}

// ExistsByEmail checks whether any account owns the email
func (r *AccountRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE email = $1)`
	if err := r.db.QueryRowContext(ctx, query, models.NormalizeEmail(email)).Scan(&exists); err != nil {
		return false, classify("check account email", err)
	}
	return exists, nil
}

// Create inserts a new account
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	account.Email = models.NormalizeEmail(account.Email)

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.Email,
		account.Name,
		account.PasswordHash,
		account.Provider,
		account.ProviderSubject,
		account.Scope,
		account.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, emailConstraint) {
			return repositories.ErrDuplicateEmail
		}
		return classify("create account", err)
	}

	r.logger.Debug("account created",
		zap.String("id", account.ID.String()),
		zap.String("provider", string(account.Provider)),
	)
	return nil
}

// FindOrCreate inserts the account unless the email exists. The unique email index
// arbitrates concurrent callers, the loser re-reads the winner's row.
func (r *AccountRepository) FindOrCreate(ctx context.Context, account *models.Account) (*models.Account, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	account.Email = models.NormalizeEmail(account.Email)

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO NOTHING
		RETURNING ` + accountColumns

	row := r.db.QueryRowContext(ctx, query,
		account.ID,
		account.Email,
		account.Name,
		account.PasswordHash,
		account.Provider,
		account.ProviderSubject,
		account.Scope,
		account.CreatedAt,
	)

	created, err := scanAccount(row)
	if err == nil {
		r.logger.Debug("account created",
			zap.String("id", created.ID.String()),
			zap.String("provider", string(created.Provider)),
		)
		return created, true, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, false, classify("find or create account", err)
	}

	row = r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, account.Email)
	existing, err := scanAccount(row)
	if err != nil {
		return nil, false, classify("find or create account", err)
	}
	return existing, false, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	account := &models.Account{}
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Name,
		&account.PasswordHash,
		&account.Provider,
		&account.ProviderSubject,
		&account.Scope,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, err
	}
	return account, nil
}
