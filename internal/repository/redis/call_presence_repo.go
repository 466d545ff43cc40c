package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// busyTTL bounds how long a busy flag can outlive a crashed instance
// that never cleared it. Active engines refresh on every call start.
const busyTTL = 4 * time.Hour

// CallPresenceRepository tracks which users are currently in a call so
// their other devices and inbound callers see a consistent busy state.
type CallPresenceRepository struct {
	client *redis.Client
}

// NewCallPresenceRepository creates a new CallPresenceRepository
func NewCallPresenceRepository(client *redis.Client) *CallPresenceRepository {
	return &CallPresenceRepository{client: client}
}

func busyKey(userID uuid.UUID) string {
	return fmt.Sprintf("call:busy:%s", userID)
}

// SetBusy marks a user as in the given call
func (r *CallPresenceRepository) SetBusy(ctx context.Context, userID, callID uuid.UUID) error {
	if err := r.client.Set(ctx, busyKey(userID), callID.String(), busyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set busy state: %w", err)
	}
	return nil
}

// ClearBusy removes a user's busy flag
func (r *CallPresenceRepository) ClearBusy(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, busyKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear busy state: %w", err)
	}
	return nil
}

// IsBusy reports whether a user is currently in a call
func (r *CallPresenceRepository) IsBusy(ctx context.Context, userID uuid.UUID) (bool, error) {
	exists, err := r.client.Exists(ctx, busyKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check busy state: %w", err)
	}
	return exists > 0, nil
}

// BusyWith returns the call a user is busy in, or uuid.Nil
func (r *CallPresenceRepository) BusyWith(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	val, err := r.client.Get(ctx, busyKey(userID)).Result()
	if err == redis.Nil {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get busy call: %w", err)
	}
	callID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed busy call id: %w", err)
	}
	return callID, nil
}
