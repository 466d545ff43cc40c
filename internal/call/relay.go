package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voidlink-backend/internal/domain"
)

// Relay is the only surface the call engine needs from the realtime
// layer: a generic publish/subscribe primitive with at-least-once
// delivery. Receivers must tolerate duplicates. The Redis implementation
// lives in internal/transport/redisrelay.
type Relay interface {
	// Publish sends one signal on the named channel.
	Publish(ctx context.Context, channel string, sig *domain.CallSignal) error

	// Subscribe returns a channel of decoded signals for the named relay
	// channel plus a cancel func that must be called to release the
	// subscription. Signals are delivered in arrival order per receiver.
	Subscribe(channel string) (<-chan *domain.CallSignal, func(), error)
}

// CallChannel is the relay channel carrying all signals for one call.
func CallChannel(callID uuid.UUID) string {
	return "call:" + callID.String()
}

// UserChannel is the relay channel a user listens on for initial offers
// of calls it does not yet know about.
func UserChannel(userID uuid.UUID) string {
	return "call:user:" + userID.String()
}

const (
	publishAttempts  = 3
	publishBackoff   = 200 * time.Millisecond
	publishFinalWait = 2 * time.Second
)

// publishWithRetry retries a relay publish with doubling backoff before
// giving up with a SignalDeliveryError.
func publishWithRetry(ctx context.Context, relay Relay, log *zap.Logger, channel string, sig *domain.CallSignal) error {
	backoff := publishBackoff
	var lastErr error

	for attempt := 1; attempt <= publishAttempts; attempt++ {
		err := relay.Publish(ctx, channel, sig)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn("signal publish failed",
			zap.String("channel", channel),
			zap.String("signal_type", string(sig.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == publishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &SignalDeliveryError{Signal: sig.Type, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > publishFinalWait {
			backoff = publishFinalWait
		}
	}

	return &SignalDeliveryError{Signal: sig.Type, Attempts: publishAttempts, Err: lastErr}
}
