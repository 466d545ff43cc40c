package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the profile projection the call layer needs: enough to render
// the other participant of a call. Account management lives elsewhere.
type User struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	IsVerified  bool      `json:"is_verified"`
	CreatedAt   time.Time `json:"created_at"`
}
