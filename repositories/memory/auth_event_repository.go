package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
)

// AuthEventRepository is an append-only slice of events
type AuthEventRepository struct {
	mu     sync.RWMutex
	events []*models.AuthEvent
}

// NewAuthEventRepository creates an empty event log
func NewAuthEventRepository() *AuthEventRepository {
	return &AuthEventRepository{}
}

// Insert appends an event
func (r *AuthEventRepository) Insert(ctx context.Context, event *models.AuthEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *event
	r.events = append(r.events, &e)
	return nil
}

// ListByAccount returns an account's events, newest first
func (r *AuthEventRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuthEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var matched []*models.AuthEvent
	for _, e := range r.events {
		if e.AccountID != nil && *e.AccountID == accountID {
			c := *e
			matched = append(matched, &c)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// All returns a snapshot of every recorded event in insertion order
func (r *AuthEventRepository) All() []*models.AuthEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AuthEvent, len(r.events))
	copy(out, r.events)
	return out
}
