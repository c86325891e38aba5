// Package presence reconciles the set of travelers visible in the
// active search topic from two inputs: incremental search_broadcast
// frames pushed over the socket, and periodic full snapshots pulled
// from the REST API.
package presence

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ridelink/ridelink/internal/bus"
	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

// Update is the payload of presence.updated events: the full peer set
// after a change.
type Update struct {
	Topic string
	Peers []wire.Vehicle
}

// Session is the payload of presence.session_started and
// presence.session_stopped events.
type Session struct {
	Topic string
}

// Engine holds the authoritative peer set for the active search topic.
// All mutation goes through its mutex, so broadcasts and snapshots
// arriving concurrently can never interleave partial states.
type Engine struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	active bool
	topic  string
	selfID int64
	peers  map[int64]wire.Vehicle
}

// NewEngine creates the reconciliation engine and subscribes it to
// inbound search_broadcast frames.
func NewEngine(b *bus.Bus, logger *zap.Logger) *Engine {
	e := &Engine{
		bus:    b,
		logger: logger,
		peers:  make(map[int64]wire.Vehicle),
	}
	b.Subscribe("ws.search_broadcast", func(evt bus.Event) {
		e.onBroadcast(evt)
	})
	return e
}

// SetSelf records our own user ID so echoed broadcasts never show up
// as a peer.
func (e *Engine) SetSelf(userID int64) {
	e.mu.Lock()
	e.selfID = userID
	e.mu.Unlock()
}

// StartSession begins a search in the given topic with an empty peer
// set. Starting while a session is already active switches topics and
// discards the old peers.
func (e *Engine) StartSession(topic string) {
	e.mu.Lock()
	e.active = true
	e.topic = topic
	e.peers = make(map[int64]wire.Vehicle)
	e.mu.Unlock()

	e.logger.Info("search session started", zap.String("topic", topic))
	e.bus.Publish(bus.Event{
		Kind:      "presence.session_started",
		Timestamp: time.Now(),
		Payload:   Session{Topic: topic},
	})
}

// StopSession ends the active search and discards the peer set. It is
// a no-op when no session is active.
func (e *Engine) StopSession() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	topic := e.topic
	e.active = false
	e.topic = ""
	e.peers = make(map[int64]wire.Vehicle)
	e.mu.Unlock()

	e.logger.Info("search session stopped", zap.String("topic", topic))
	e.bus.Publish(bus.Event{
		Kind:      "presence.session_stopped",
		Timestamp: time.Now(),
		Payload:   Session{Topic: topic},
	})
}

// Active reports whether a search session is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Topic returns the active search topic, or empty string if none.
func (e *Engine) Topic() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topic
}

// Peers returns a stable-ordered copy of the current peer set.
func (e *Engine) Peers() []wire.Vehicle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peersLocked()
}

func (e *Engine) peersLocked() []wire.Vehicle {
	out := make([]wire.Vehicle, 0, len(e.peers))
	for _, v := range e.peers {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b wire.Vehicle) int {
		return int(a.UserID - b.UserID)
	})
	return out
}

// ApplyBroadcast folds one incremental delta into the peer set.
// Broadcasts for other topics, broadcasts while no session is active,
// and our own echoed broadcasts are ignored. Withdrawing an absent
// peer and re-adding an identical one are no-ops.
func (e *Engine) ApplyBroadcast(p wire.BroadcastPayload) {
	e.mu.Lock()
	if !e.active || p.Place != e.topic {
		e.mu.Unlock()
		return
	}
	id := p.VehicleInfo.UserID
	if id == e.selfID {
		e.mu.Unlock()
		return
	}

	changed := false
	if p.StopSearch {
		if _, ok := e.peers[id]; ok {
			delete(e.peers, id)
			changed = true
		}
	} else if e.peers[id] != p.VehicleInfo {
		e.peers[id] = p.VehicleInfo
		changed = true
	}

	var update Update
	if changed {
		update = Update{Topic: e.topic, Peers: e.peersLocked()}
	}
	e.mu.Unlock()

	if changed {
		e.publishUpdate(update)
	}
}

// ApplySnapshot replaces the peer set with an authoritative listing
// for the topic. Duplicate user IDs collapse to one entry. Snapshots
// for a topic other than the active one are discarded, which keeps a
// late poll response from a previous session out of the current one.
func (e *Engine) ApplySnapshot(topic string, vehicles []wire.Vehicle) {
	e.mu.Lock()
	if !e.active || topic != e.topic {
		e.mu.Unlock()
		return
	}

	next := make(map[int64]wire.Vehicle, len(vehicles))
	for _, v := range vehicles {
		if v.UserID == e.selfID {
			continue
		}
		next[v.UserID] = v
	}

	if maps.Equal(e.peers, next) {
		e.mu.Unlock()
		return
	}
	e.peers = next
	update := Update{Topic: e.topic, Peers: e.peersLocked()}
	e.mu.Unlock()

	e.publishUpdate(update)
}

func (e *Engine) publishUpdate(u Update) {
	e.bus.Publish(bus.Event{
		Kind:      "presence.updated",
		Timestamp: time.Now(),
		Payload:   u,
	})
}

func (e *Engine) onBroadcast(evt bus.Event) {
	env, ok := evt.Payload.(wire.Envelope)
	if !ok {
		return
	}
	var p wire.BroadcastPayload
	if err := env.Bind(&p); err != nil {
		e.logger.Warn("dropping unreadable search_broadcast", zap.Error(err))
		return
	}
	e.ApplyBroadcast(p)
}
