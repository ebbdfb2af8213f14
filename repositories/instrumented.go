package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
)

// StoreObserver receives the latency of every store call
type StoreObserver interface {
	ObserveStore(operation string, d time.Duration, err error)
}

// InstrumentedAccountRepository reports call latency for any AccountRepository
type InstrumentedAccountRepository struct {
	next     AccountRepository
	observer StoreObserver
}

// NewInstrumentedAccountRepository wraps next. Lookup misses and duplicates are
// expected outcomes and are reported as successes.
func NewInstrumentedAccountRepository(next AccountRepository, observer StoreObserver) *InstrumentedAccountRepository {
	return &InstrumentedAccountRepository{next: next, observer: observer}
}

func (r *InstrumentedAccountRepository) observe(op string, start time.Time, err error) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateEmail) {
		err = nil
	}
	r.observer.ObserveStore(op, time.Since(start), err)
}

func (r *InstrumentedAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	start := time.Now()
	account, err := r.next.GetByEmail(ctx, email)
	r.observe("get_by_email", start, err)
	return account, err
}

func (r *InstrumentedAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	start := time.Now()
	account, err := r.next.GetByID(ctx, id)
	r.observe("get_by_id", start, err)
	return account, err
}

func (r *InstrumentedAccountRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	start := time.Now()
	exists, err := r.next.ExistsByEmail(ctx, email)
	r.observe("exists_by_email", start, err)
	return exists, err
}

func (r *InstrumentedAccountRepository) Create(ctx context.Context, account *models.Account) error {
	start := time.Now()
	err := r.next.Create(ctx, account)
	r.observe("create", start, err)
	return err
}

func (r *InstrumentedAccountRepository) FindOrCreate(ctx context.Context, account *models.Account) (*models.Account, bool, error) {
	start := time.Now()
	stored, created, err := r.next.FindOrCreate(ctx, account)
	r.observe("find_or_create", start, err)
	return stored, created, err
}
