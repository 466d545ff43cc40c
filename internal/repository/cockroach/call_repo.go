package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voidlink-backend/internal/domain"
)

// terminalStatuses guards terminal rows against late writers. A call
// that has reached a terminal status never changes again, no matter
// which instance's signal arrives last.
const terminalStatuses = `('ended', 'missed', 'declined', 'rejected')`

// CallRepository handles call session persistence
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call session record
func (r *CallRepository) Create(ctx context.Context, session *domain.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			call_id, conversation_id, caller_id, callee_id, call_type, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		session.CallID,
		session.ConversationID,
		session.CallerID,
		session.CalleeID,
		session.CallType,
		session.Status,
		session.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call session: %w", err)
	}

	return nil
}

// UpdateStatus updates a non-terminal call session's status
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	query := `
		UPDATE call_sessions
		SET status = $2
		WHERE call_id = $1
		  AND status NOT IN ` + terminalStatuses

	_, err := r.pool.Exec(ctx, query, callID, status)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	return nil
}

// MarkConnected records the moment both ends completed the handshake
func (r *CallRepository) MarkConnected(ctx context.Context, callID uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE call_sessions
		SET status = 'connected',
		    started_at = $2
		WHERE call_id = $1
		  AND status NOT IN ` + terminalStatuses

	_, err := r.pool.Exec(ctx, query, callID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to mark call connected: %w", err)
	}

	return nil
}

// MarkEnded drives a call session to a terminal status. The first
// terminal write wins; later ones are no-ops.
func (r *CallRepository) MarkEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus, endedAt time.Time, durationSeconds *int) error {
	query := `
		UPDATE call_sessions
		SET status = $2,
		    ended_at = $3,
		    duration_seconds = $4
		WHERE call_id = $1
		  AND status NOT IN ` + terminalStatuses

	_, err := r.pool.Exec(ctx, query, callID, status, endedAt, durationSeconds)
	if err != nil {
		return fmt.Errorf("failed to mark call ended: %w", err)
	}

	return nil
}

// GetByID retrieves a call session by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, call_type, status,
		       created_at, started_at, ended_at, duration_seconds
		FROM call_sessions
		WHERE call_id = $1
	`

	session := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&session.CallID,
		&session.ConversationID,
		&session.CallerID,
		&session.CalleeID,
		&session.CallType,
		&session.Status,
		&session.CreatedAt,
		&session.StartedAt,
		&session.EndedAt,
		&session.DurationSeconds,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("call session not found")
		}
		return nil, fmt.Errorf("failed to get call session: %w", err)
	}

	return session, nil
}

// GetUserCalls retrieves a user's call history, most recent first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, call_type, status,
		       created_at, started_at, ended_at, duration_seconds
		FROM call_sessions
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		session := &domain.CallSession{}
		if err := rows.Scan(
			&session.CallID,
			&session.ConversationID,
			&session.CallerID,
			&session.CalleeID,
			&session.CallType,
			&session.Status,
			&session.CreatedAt,
			&session.StartedAt,
			&session.EndedAt,
			&session.DurationSeconds,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call sessions: %w", err)
	}

	return sessions, nil
}

// CountUserCalls returns the total number of calls involving a user
func (r *CallRepository) CountUserCalls(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM call_sessions
		WHERE caller_id = $1 OR callee_id = $1
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count user calls: %w", err)
	}

	return count, nil
}
