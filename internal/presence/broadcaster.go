package presence

import (
	"fmt"

	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

// FrameSender transmits an envelope over the live connection. The
// connection manager implements it; Send fails when the link is down.
type FrameSender interface {
	Send(env wire.Envelope) error
}

// Broadcaster produces outbound search_broadcast frames announcing or
// withdrawing our presence in a place topic.
type Broadcaster struct {
	sender FrameSender
	logger *zap.Logger
}

func NewBroadcaster(sender FrameSender, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{sender: sender, logger: logger}
}

// Announce tells peers searching the place topic that we are present.
// The error from a dead link is returned to the caller; nothing is
// queued for later.
func (b *Broadcaster) Announce(place string, v wire.Vehicle) error {
	if err := b.sender.Send(wire.NewSearchBroadcast(place, v, false)); err != nil {
		return fmt.Errorf("announce in %q: %w", place, err)
	}
	b.logger.Debug("announced presence", zap.String("place", place), zap.Int64("user_id", v.UserID))
	return nil
}

// Withdraw tells peers we stopped searching the place topic.
func (b *Broadcaster) Withdraw(place string, v wire.Vehicle) error {
	if err := b.sender.Send(wire.NewSearchBroadcast(place, v, true)); err != nil {
		return fmt.Errorf("withdraw from %q: %w", place, err)
	}
	b.logger.Debug("withdrew presence", zap.String("place", place), zap.Int64("user_id", v.UserID))
	return nil
}
