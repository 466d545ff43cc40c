package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageTypeSystem marks machine-generated conversation markers such as
// "Missed call" entries appended after a call outcome.
const MessageTypeSystem = "system"

// Message is a conversation message row. The call layer only ever appends
// system markers; regular messaging is owned by the chat service.
type Message struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Bucket         int       `json:"bucket"`
	MessageID      uuid.UUID `json:"message_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// CalculateBucket maps a timestamp to its monthly partition bucket
// (YYYYMM), matching the chat service's partitioning scheme.
func CalculateBucket(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}
