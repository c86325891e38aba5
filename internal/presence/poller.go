package presence

import (
	"context"
	"sync"
	"time"

	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

// SnapshotSource provides the authoritative vehicle listing for a
// place topic. The REST client implements it.
type SnapshotSource interface {
	Vehicles(ctx context.Context, place string) ([]wire.Vehicle, error)
}

// Poller periodically pulls a snapshot for the active search topic and
// feeds it to the engine. While no session is active it idles.
type Poller struct {
	engine   *Engine
	source   SnapshotSource
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a snapshot poller. A zero interval defaults to 5s.
func NewPoller(engine *Engine, source SnapshotSource, interval time.Duration, logger *zap.Logger) *Poller {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		engine:   engine,
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the poll loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// poll fetches one snapshot. A failed fetch is logged and skipped; the
// peer set keeps its last known state until the next tick.
func (p *Poller) poll(ctx context.Context) {
	if !p.engine.Active() {
		return
	}
	topic := p.engine.Topic()

	vehicles, err := p.source.Vehicles(ctx, topic)
	if err != nil {
		p.logger.Warn("snapshot poll failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.engine.ApplySnapshot(topic, vehicles)
}
