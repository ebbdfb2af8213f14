package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/repositories"
	"go.uber.org/zap"
)

// AuthEventRepository implements repositories.AuthEventRepository
type AuthEventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuthEventRepository creates a new auth event repository
func NewAuthEventRepository(db *DB, logger *zap.Logger) repositories.AuthEventRepository {
	return &AuthEventRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends an auth event
func (r *AuthEventRepository) Insert(ctx context.Context, event *models.AuthEvent) error {
	query := `
		INSERT INTO auth_events (
			id, account_id, email, action, provider, details,
			ip_address, user_agent, request_id, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var details interface{}
	if len(event.Details) > 0 {
		details = []byte(event.Details)
	}

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.AccountID,
		event.Email,
		event.Action,
		event.Provider,
		details,
		event.IPAddress,
		event.UserAgent,
		event.RequestID,
		event.Timestamp,
	)
	if err != nil {
		return classify("insert auth event", err)
	}

	r.logger.Debug("auth event inserted",
		zap.String("id", event.ID.String()),
		zap.String("action", string(event.Action)),
	)
	return nil
}

// ListByAccount returns the most recent events for an account
func (r *AuthEventRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.AuthEvent, error) {
	query := `
		SELECT id, account_id, email, action, provider, details,
		       ip_address, user_agent, request_id, timestamp
		FROM auth_events
		WHERE account_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, classify("list auth events", err)
	}
	defer rows.Close()

	var events []*models.AuthEvent
	for rows.Next() {
		event := &models.AuthEvent{}
		var (
			acct      uuid.NullUUID
			details   []byte
			ip, ua    sql.NullString
			requestID sql.NullString
		)
		if err := rows.Scan(
			&event.ID,
			&acct,
			&event.Email,
			&event.Action,
			&event.Provider,
			&details,
			&ip,
			&ua,
			&requestID,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan auth event: %w", err)
		}
		if acct.Valid {
			id := acct.UUID
			event.AccountID = &id
		}
		event.Details = details
		event.IPAddress = ip.String
		event.UserAgent = ua.String
		event.RequestID = requestID.String
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate auth events", err)
	}
	return events, nil
}
