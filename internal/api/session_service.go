// Package api exposes the daemon's capabilities to in-process
// consumers: session lifecycle, presence search, and chat.
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ridelink/ridelink/internal/rest"
	"github.com/ridelink/ridelink/internal/status"
	"go.uber.org/zap"
)

// Connector is the connection lifecycle surface the session service
// drives. The ws manager implements it.
type Connector interface {
	Open(ctx context.Context, userID int64) error
	Close() error
}

// UserSource resolves the logged-in user. The REST client implements
// it.
type UserSource interface {
	UserDetails(ctx context.Context) (rest.UserDetails, error)
}

// TokenStore is the persisted credential surface the session service
// needs.
type TokenStore interface {
	Token() (string, error)
	SetTokens(token, refresh string) error
	ClearTokens() error
}

// SessionStatus is a point-in-time view of the daemon session.
type SessionStatus struct {
	Profile       string
	State         status.State
	UptimeMs      int64
	Authenticated bool
	UserID        int64
	UserName      string
}

// SessionService owns login/logout and status reads.
type SessionService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	tokens    TokenStore
	users     UserSource
	conn      Connector
	logger    *zap.Logger

	mu       sync.Mutex
	userID   int64
	userName string
}

func NewSessionService(profile string, machine *status.Machine, tokens TokenStore, users UserSource, conn Connector, logger *zap.Logger) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		tokens:    tokens,
		users:     users,
		conn:      conn,
		logger:    logger,
	}
}

// Status reports the session state without touching the network.
func (s *SessionService) Status() SessionStatus {
	token, err := s.tokens.Token()
	if err != nil {
		s.logger.Warn("token read failed", zap.Error(err))
	}
	s.mu.Lock()
	userID, userName := s.userID, s.userName
	s.mu.Unlock()
	return SessionStatus{
		Profile:       s.profile,
		State:         s.machine.Current(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		Authenticated: token != "",
		UserID:        userID,
		UserName:      userName,
	}
}

// Login persists the token pair, resolves who it belongs to, and opens
// the realtime connection as that user.
func (s *SessionService) Login(ctx context.Context, token, refresh string) error {
	if err := s.tokens.SetTokens(token, refresh); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}

	details, err := s.users.UserDetails(ctx)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	s.setUser(details.UserID, details.Name)

	if err := s.conn.Open(ctx, details.UserID); err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	s.logger.Info("logged in", zap.Int64("user_id", details.UserID))
	return nil
}

// Resume opens the connection with previously resolved user details,
// used at daemon startup when tokens are already on disk.
func (s *SessionService) Resume(ctx context.Context, details rest.UserDetails) error {
	s.setUser(details.UserID, details.Name)
	return s.conn.Open(ctx, details.UserID)
}

func (s *SessionService) setUser(id int64, name string) {
	s.mu.Lock()
	s.userID = id
	s.userName = name
	s.mu.Unlock()
}

// Logout closes the connection and discards the stored tokens. The
// connection is terminal after Close, so a logout ends this daemon
// run's realtime session for good.
func (s *SessionService) Logout() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	if err := s.tokens.ClearTokens(); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	s.setUser(0, "")
	s.logger.Info("logged out")
	return nil
}
