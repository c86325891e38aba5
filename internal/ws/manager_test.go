package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ridelink/ridelink/internal/bus"
	"github.com/ridelink/ridelink/internal/status"
	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu      sync.Mutex
	in      chan []byte
	written [][]byte
	closeFn sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.in
	if !ok {
		return nil, errors.New("connection reset")
	}
	return data, nil
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.written = append(c.written, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeFn.Do(func() { close(c.in) })
	return nil
}

// push delivers a raw inbound frame to the read loop.
func (c *fakeConn) push(data []byte) {
	c.in <- data
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// fakeDialer fails the first `fails` dial attempts, then hands out
// fresh in-memory connections.
type fakeDialer struct {
	mu    sync.Mutex
	fails int
	calls int
	conns []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.fails {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// retryRecorder captures backoff timer arming instead of sleeping, so
// tests can assert delays and fire retries deterministically.
type retryRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (r *retryRecorder) afterFunc(d time.Duration, fn func()) *time.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, fn)
	return time.NewTimer(time.Hour)
}

func (r *retryRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

// fire runs the i-th armed retry on the calling goroutine.
func (r *retryRecorder) fire(i int) {
	r.mu.Lock()
	fn := r.fns[i]
	r.mu.Unlock()
	fn()
}

func testManager(t *testing.T, cfg Config) (*Manager, *bus.Bus, *status.Machine) {
	t.Helper()
	b := bus.New(nil)
	machine := status.NewMachine(b)
	m := NewManager(cfg, machine, b, zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m, b, machine
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestOpenSendsAuthenticateFirst(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, machine := testManager(t, Config{Dialer: dialer.dial})

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	frames := dialer.conn(0).frames()
	if len(frames) == 0 {
		t.Fatal("no frames written")
	}
	env, err := wire.Decode(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != wire.TypeAuthenticate {
		t.Fatalf("first frame type = %q, want authenticate", env.Type)
	}
	var auth wire.AuthPayload
	if err := env.Bind(&auth); err != nil {
		t.Fatal(err)
	}
	if auth.UserID != 42 {
		t.Errorf("user_id = %d, want 42", auth.UserID)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, machine := testManager(t, Config{Dialer: dialer.dial})

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	// Give a second dial time to happen if one were (wrongly) spawned.
	time.Sleep(20 * time.Millisecond)
	if got := dialer.callCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestSendRequiresConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, _ := testManager(t, Config{Dialer: dialer.dial})

	err := m.Send(wire.NewPing())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send on disconnected = %v, want ErrNotConnected", err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	err = m.Send(wire.NewPing())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestSendWritesFrame(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, machine := testManager(t, Config{Dialer: dialer.dial})

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	if err := m.Send(wire.NewChatMessage(42, 7, "hello")); err != nil {
		t.Fatal(err)
	}

	frames := dialer.conn(0).frames()
	if len(frames) != 2 {
		t.Fatalf("frames written = %d, want 2 (auth + message)", len(frames))
	}
	env, err := wire.Decode(frames[1])
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != wire.TypeMessage {
		t.Errorf("frame type = %q, want message", env.Type)
	}
}

func TestHeartbeatSendsPings(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, machine := testManager(t, Config{
		Dialer:            dialer.dial,
		HeartbeatInterval: 5 * time.Millisecond,
	})

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	waitFor(t, func() bool {
		pings := 0
		for _, f := range dialer.conn(0).frames() {
			env, err := wire.Decode(f)
			if err == nil && env.Type == wire.TypePing {
				pings++
			}
		}
		return pings >= 3
	}, "three heartbeat pings")
}

// TestBackoffSequence pins the retry delay progression: doubling from
// the floor, capped at the ceiling.
func TestBackoffSequence(t *testing.T) {
	dialer := &fakeDialer{fails: 1 << 30}
	rec := &retryRecorder{}
	m, _, _ := testManager(t, Config{Dialer: dialer.dial})
	m.afterFunc = rec.afterFunc

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rec.recorded()) == 1 }, "first retry armed")
	for i := 0; i < 6; i++ {
		rec.fire(i)
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("retries armed = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// TestBackoffResetsAfterSuccess verifies a successful connect returns
// the next failure's delay to the floor.
func TestBackoffResetsAfterSuccess(t *testing.T) {
	dialer := &fakeDialer{fails: 2}
	rec := &retryRecorder{}
	m, _, machine := testManager(t, Config{Dialer: dialer.dial})
	m.afterFunc = rec.afterFunc

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rec.recorded()) == 1 }, "first retry armed")
	rec.fire(0) // second dial fails, arms 2s retry
	rec.fire(1) // third dial succeeds
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	// Kill the live connection; the next retry should start back at 1s.
	_ = dialer.conn(0).Close()
	waitFor(t, func() bool { return len(rec.recorded()) == 3 }, "retry after drop")

	got := rec.recorded()
	want := []time.Duration{1 * time.Second, 2 * time.Second, 1 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	dialer := &fakeDialer{fails: 1 << 30}
	rec := &retryRecorder{}
	m, _, machine := testManager(t, Config{Dialer: dialer.dial})
	m.afterFunc = rec.afterFunc

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rec.recorded()) == 1 }, "retry armed")

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	before := dialer.callCount()
	rec.fire(0) // stale timer callback must be a no-op
	if got := dialer.callCount(); got != before {
		t.Errorf("dial count after close = %d, want %d", got, before)
	}
	if machine.Current() != status.Closed {
		t.Errorf("state = %s, want CLOSED", machine.Current())
	}
}

func TestCloseIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, _ := testManager(t, Config{Dialer: dialer.dial})

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := m.Open(context.Background(), 42); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v, want ErrClosed", err)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	dialer := &fakeDialer{}
	m, b, machine := testManager(t, Config{Dialer: dialer.dial})

	var mu sync.Mutex
	var kinds []string
	b.Subscribe("ws.", func(evt bus.Event) {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		mu.Unlock()
	})

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	conn := dialer.conn(0)
	conn.push([]byte(`not json at all`))
	conn.push([]byte(`{"data":{}}`)) // no type field
	data, _ := wire.Encode(wire.NewChatMessage(7, 42, "hi"))
	conn.push(data)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, "one dispatched frame")
	mu.Lock()
	defer mu.Unlock()
	if kinds[0] != "ws.message" {
		t.Errorf("kind = %q, want ws.message", kinds[0])
	}
	if machine.Current() != status.Connected {
		t.Errorf("state = %s after malformed frames, want CONNECTED", machine.Current())
	}
}

func TestInboundFramesDispatchedInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	m, b, machine := testManager(t, Config{Dialer: dialer.dial})

	var mu sync.Mutex
	var contents []string
	b.Subscribe("ws.message", func(evt bus.Event) {
		env := evt.Payload.(wire.Envelope)
		var msg wire.ChatPayload
		if err := env.Bind(&msg); err != nil {
			return
		}
		mu.Lock()
		contents = append(contents, msg.Content)
		mu.Unlock()
	})

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	conn := dialer.conn(0)
	for _, text := range []string{"one", "two", "three"} {
		data, _ := wire.Encode(wire.NewChatMessage(7, 42, text))
		conn.push(data)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(contents) == 3
	}, "three frames")
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		if contents[i] != want {
			t.Errorf("contents[%d] = %q, want %q", i, contents[i], want)
		}
	}
}

func TestAuthRejectedShutsDown(t *testing.T) {
	dialer := &fakeDialer{}
	m, b, machine := testManager(t, Config{Dialer: dialer.dial})

	rejected := make(chan struct{}, 1)
	b.Subscribe("conn.auth_rejected", func(bus.Event) {
		select {
		case rejected <- struct{}{}:
		default:
		}
	})

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	dialer.conn(0).push([]byte(`{"type":"auth_rejected","data":{}}`))

	waitFor(t, func() bool { return machine.Current() == status.Closed }, "closed")
	select {
	case <-rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("auth_rejected event not published")
	}
	if err := m.Open(context.Background(), 42); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after rejection = %v, want ErrClosed", err)
	}
}

func TestDroppedConnectionReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &retryRecorder{}
	m, _, machine := testManager(t, Config{Dialer: dialer.dial})
	m.afterFunc = rec.afterFunc

	if err := m.Open(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "connected")

	_ = dialer.conn(0).Close()
	waitFor(t, func() bool { return machine.Current() == status.Reconnecting }, "reconnecting")
	waitFor(t, func() bool { return len(rec.recorded()) == 1 }, "retry armed")

	rec.fire(0)
	waitFor(t, func() bool { return machine.Current() == status.Connected }, "reconnected")
	if got := dialer.callCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}

	// The replacement connection authenticates again.
	frames := dialer.conn(1).frames()
	if len(frames) == 0 {
		t.Fatal("no frames on replacement connection")
	}
	env, err := wire.Decode(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != wire.TypeAuthenticate {
		t.Errorf("first frame on reconnect = %q, want authenticate", env.Type)
	}
}
