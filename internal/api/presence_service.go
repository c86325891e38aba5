package api

import (
	"errors"
	"sync"
	"time"

	"github.com/ridelink/ridelink/internal/presence"
	"github.com/ridelink/ridelink/internal/store"
	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

// ErrNoProfile means StartSearch was called before the daemon learned
// who we are, so there is no vehicle info to announce.
var ErrNoProfile = errors.New("api: own profile not resolved yet")

// SearchStore persists the active search across daemon restarts.
type SearchStore interface {
	SaveSearchSession(s store.SearchSession) error
	ClearSearchSession() error
}

// PresenceService starts and stops topic searches and reads the peer
// set.
type PresenceService struct {
	engine   *presence.Engine
	bcast    *presence.Broadcaster
	sessions SearchStore
	logger   *zap.Logger

	mu   sync.Mutex
	self wire.Vehicle
}

func NewPresenceService(engine *presence.Engine, bcast *presence.Broadcaster, sessions SearchStore, logger *zap.Logger) *PresenceService {
	return &PresenceService{engine: engine, bcast: bcast, sessions: sessions, logger: logger}
}

// SetSelf records our own vehicle profile, announced on StartSearch.
func (s *PresenceService) SetSelf(v wire.Vehicle) {
	s.mu.Lock()
	s.self = v
	s.mu.Unlock()
	s.engine.SetSelf(v.UserID)
}

// StartSearch begins reconciling peers for the topic and announces our
// presence. The session stays active even when the announce fails over
// a down link: the snapshot poll still populates peers, and the error
// tells the caller the announce did not go out.
func (s *PresenceService) StartSearch(topic string) error {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	if self.UserID == 0 {
		return ErrNoProfile
	}

	s.engine.StartSession(topic)
	if err := s.sessions.SaveSearchSession(store.SearchSession{
		Topic:     topic,
		Active:    true,
		StartedAt: time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Warn("search session persist failed", zap.Error(err))
	}

	return s.bcast.Announce(topic, self)
}

// StopSearch withdraws our presence and ends the session. The session
// ends regardless of whether the withdraw frame made it out.
func (s *PresenceService) StopSearch() error {
	if !s.engine.Active() {
		return nil
	}
	topic := s.engine.Topic()

	s.mu.Lock()
	self := s.self
	s.mu.Unlock()

	err := s.bcast.Withdraw(topic, self)
	s.engine.StopSession()
	if clearErr := s.sessions.ClearSearchSession(); clearErr != nil {
		s.logger.Warn("search session clear failed", zap.Error(clearErr))
	}
	return err
}

// Peers returns the current peer set for the active search.
func (s *PresenceService) Peers() []wire.Vehicle {
	return s.engine.Peers()
}

// Topic returns the active search topic, empty when idle.
func (s *PresenceService) Topic() string {
	return s.engine.Topic()
}
