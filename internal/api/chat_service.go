package api

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ridelink/ridelink/internal/chat"
	"github.com/ridelink/ridelink/internal/rest"
)

// ErrNotAuthenticated means the chat service does not know our user ID
// yet, so outbound messages would carry a zero sender.
var ErrNotAuthenticated = errors.New("api: not authenticated")

// HistorySource fetches stored conversations. The REST client
// implements it.
type HistorySource interface {
	ChatHistory(ctx context.Context, peerID int64) ([]rest.ChatMessage, error)
}

// ChatService sends messages and reads conversation history.
type ChatService struct {
	sender  *chat.Sender
	history HistorySource

	selfID atomic.Int64
}

func NewChatService(sender *chat.Sender, history HistorySource) *ChatService {
	return &ChatService{sender: sender, history: history}
}

// SetSelf records our user ID for outbound sender stamping.
func (s *ChatService) SetSelf(userID int64) {
	s.selfID.Store(userID)
}

// Send delivers a message to the peer over the socket.
func (s *ChatService) Send(ctx context.Context, recipientID int64, content string) (chat.Message, error) {
	selfID := s.selfID.Load()
	if selfID == 0 {
		return chat.Message{}, ErrNotAuthenticated
	}
	return s.sender.Send(ctx, selfID, recipientID, content)
}

// History returns the stored conversation with the peer.
func (s *ChatService) History(ctx context.Context, peerID int64) ([]rest.ChatMessage, error) {
	return s.history.ChatHistory(ctx, peerID)
}
