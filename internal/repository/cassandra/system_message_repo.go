package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"voidlink-backend/internal/domain"
)

// SystemMessageRepository appends system markers to conversation message
// streams in Cassandra, using the same monthly bucketing as the chat
// service so markers interleave with regular messages.
type SystemMessageRepository struct {
	session *gocql.Session
}

// NewSystemMessageRepository creates a new SystemMessageRepository
func NewSystemMessageRepository(session *gocql.Session) *SystemMessageRepository {
	return &SystemMessageRepository{session: session}
}

// AppendCallMarker inserts a system message like "Missed call" into a
// conversation. Implements call.SystemMessages.
func (r *SystemMessageRepository) AppendCallMarker(ctx context.Context, conversationID, senderID uuid.UUID, marker string) error {
	now := time.Now().UTC()
	message := &domain.Message{
		ConversationID: conversationID,
		Bucket:         domain.CalculateBucket(now),
		MessageID:      uuid.New(),
		SenderID:       senderID,
		Content:        marker,
		MessageType:    domain.MessageTypeSystem,
		CreatedAt:      now,
	}
	return r.save(ctx, message)
}

func (r *SystemMessageRepository) save(ctx context.Context, message *domain.Message) error {
	query := `
		INSERT INTO messages (
			conversation_id, bucket, message_id, sender_id, content,
			message_type, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		message.ConversationID,
		message.Bucket,
		message.MessageID,
		message.SenderID,
		message.Content,
		message.MessageType,
		message.CreatedAt,
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to save system message: %w", err)
	}

	return nil
}
