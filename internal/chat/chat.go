// Package chat sends and receives direct messages over the realtime
// connection. Realtime delivery rides the socket; the REST API keeps
// the durable copy that backs conversation history.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ridelink/ridelink/internal/bus"
	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

// ErrEmptyMessage rejects whitespace-free empty content before it
// reaches the wire.
var ErrEmptyMessage = errors.New("chat: empty message")

// Message is one direct message as seen by in-process consumers.
// ClientID is assigned locally for outbound messages so optimistic UI
// rows can be matched up later; inbound messages have none.
type Message struct {
	ClientID    string
	SenderID    int64
	RecipientID int64
	Content     string
	SentAt      time.Time
}

// FrameSender transmits an envelope over the live connection.
type FrameSender interface {
	Send(env wire.Envelope) error
}

// Persister stores an outbound message server-side. The REST client
// implements it.
type Persister interface {
	PersistMessage(ctx context.Context, recipientID int64, content string) error
}

// Sender produces outbound message frames and publishes chat.sent
// events for optimistic rendering.
type Sender struct {
	frames    FrameSender
	persister Persister
	bus       *bus.Bus
	logger    *zap.Logger
}

func NewSender(frames FrameSender, persister Persister, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{frames: frames, persister: persister, bus: b, logger: logger}
}

// Send delivers content to the recipient over the socket and persists
// it server-side. Socket failure fails the send; a persist failure is
// logged but does not, since the recipient already has the message.
func (s *Sender) Send(ctx context.Context, senderID, recipientID int64, content string) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	msg := Message{
		ClientID:    uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		SentAt:      time.Now(),
	}

	if err := s.frames.Send(wire.NewChatMessage(senderID, recipientID, content)); err != nil {
		return Message{}, err
	}
	if err := s.persister.PersistMessage(ctx, recipientID, content); err != nil {
		s.logger.Warn("message persist failed",
			zap.String("client_id", msg.ClientID),
			zap.Int64("recipient_id", recipientID),
			zap.Error(err),
		)
	}

	s.bus.Publish(bus.Event{Kind: "chat.sent", Timestamp: msg.SentAt, Payload: msg})
	return msg, nil
}

// Inbox translates inbound ws.message frames into chat.message events
// carrying a typed Message payload.
type Inbox struct {
	bus    *bus.Bus
	logger *zap.Logger
}

func NewInbox(b *bus.Bus, logger *zap.Logger) *Inbox {
	in := &Inbox{bus: b, logger: logger}
	b.Subscribe("ws.message", func(evt bus.Event) {
		in.onFrame(evt)
	})
	return in
}

func (in *Inbox) onFrame(evt bus.Event) {
	env, ok := evt.Payload.(wire.Envelope)
	if !ok {
		return
	}
	var p wire.ChatPayload
	if err := env.Bind(&p); err != nil {
		in.logger.Warn("dropping unreadable message frame", zap.Error(err))
		return
	}

	in.bus.Publish(bus.Event{
		Kind:      "chat.message",
		Timestamp: evt.Timestamp,
		Payload: Message{
			SenderID:    p.SenderID,
			RecipientID: p.RecipientID,
			Content:     p.Content,
			SentAt:      evt.Timestamp,
		},
	})
}
