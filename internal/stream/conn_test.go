package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cryptosignal/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession delivers queued frames, then blocks until closed.
type fakeSession struct {
	mu      sync.Mutex
	frames  chan []byte
	writes  []request
	pings   atomic.Int32
	pong    func()
	closed  chan struct{}
	closeMu sync.Once
}

func newFakeSession(frames ...string) *fakeSession {
	s := &fakeSession{frames: make(chan []byte, len(frames)+1), closed: make(chan struct{})}
	for _, f := range frames {
		s.frames <- []byte(f)
	}
	return s
}

func (s *fakeSession) ReadMessage() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (s *fakeSession) WriteJSON(v any) error {
	b, _ := json.Marshal(v)
	var r request
	json.Unmarshal(b, &r)
	s.mu.Lock()
	s.writes = append(s.writes, r)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Ping(time.Time) error {
	s.pings.Add(1)
	return nil
}

func (s *fakeSession) SetPongHandler(fn func()) {
	s.mu.Lock()
	s.pong = fn
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.closeMu.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSession) requests() []request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]request(nil), s.writes...)
}

// fakeDialer hands out scripted sessions; a nil entry fails the dial.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.sessions) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	if s == nil {
		return nil, errors.New("connection refused")
	}
	return s, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	cfg.RequestsPerSecond = 0
	return cfg
}

func newTestConn(cfg Config, d Dialer) (*Conn, *[]time.Duration) {
	c := New(cfg, d, testLogger())
	var delays []time.Duration
	c.sleep = func(ctx context.Context, dur time.Duration) error {
		delays = append(delays, dur)
		return ctx.Err()
	}
	return c, &delays
}

func TestBackoffSchedule(t *testing.T) {
	cfg := DefaultConfig()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second, 300 * time.Second, 300 * time.Second}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestConnectSubscribesDesired(t *testing.T) {
	sess := newFakeSession()
	c, _ := newTestConn(testConfig(), &fakeDialer{sessions: []*fakeSession{sess}})
	defer c.Close()

	ctx := context.Background()
	if err := c.SetDesired(ctx, []string{"ethusdt@kline_1h", "btcusdt@kline_1m"}); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}
	if got := sess.requests(); len(got) != 0 {
		t.Fatalf("sent %d frames before connect", len(got))
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected", c.State())
	}
	reqs := sess.requests()
	if len(reqs) != 1 || reqs[0].Method != "SUBSCRIBE" {
		t.Fatalf("requests = %+v, want one SUBSCRIBE", reqs)
	}
	if diff := cmp.Diff([]string{"btcusdt@kline_1m", "ethusdt@kline_1h"}, reqs[0].Params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestSetDesiredSendsOnlyDiff(t *testing.T) {
	sess := newFakeSession()
	c, _ := newTestConn(testConfig(), &fakeDialer{sessions: []*fakeSession{sess}})
	defer c.Close()
	ctx := context.Background()

	c.SetDesired(ctx, []string{"a@kline_1m", "b@kline_1m"})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SetDesired(ctx, []string{"b@kline_1m", "c@kline_1m"}); err != nil {
		t.Fatalf("SetDesired: %v", err)
	}
	reqs := sess.requests()[1:]
	want := []request{
		{Method: "UNSUBSCRIBE", Params: []string{"a@kline_1m"}},
		{Method: "SUBSCRIBE", Params: []string{"c@kline_1m"}},
	}
	if diff := cmp.Diff(want, reqs, cmp.Comparer(func(a, b request) bool {
		return a.Method == b.Method && cmp.Equal(a.Params, b.Params)
	})); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}

	// Same set again: nothing on the wire.
	before := len(sess.requests())
	c.SetDesired(ctx, []string{"c@kline_1m", "b@kline_1m"})
	if got := len(sess.requests()); got != before {
		t.Errorf("idempotent SetDesired sent %d frames", got-before)
	}
	if diff := cmp.Diff([]string{"b@kline_1m", "c@kline_1m"}, c.Subscribed()); diff != "" {
		t.Errorf("Subscribed mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribeChunksLargeRequests(t *testing.T) {
	sess := newFakeSession()
	cfg := testConfig()
	cfg.MaxStreamsPerRequest = 2
	c, _ := newTestConn(cfg, &fakeDialer{sessions: []*fakeSession{sess}})
	defer c.Close()
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Subscribe(ctx, "a@kline_1m", "b@kline_1m", "c@kline_1m", "d@kline_1m", "e@kline_1m")
	reqs := sess.requests()
	if len(reqs) != 3 {
		t.Fatalf("got %d frames, want 3", len(reqs))
	}
	ids := map[int64]bool{}
	for _, r := range reqs {
		if len(r.Params) > 2 {
			t.Errorf("frame carries %d params", len(r.Params))
		}
		ids[r.ID] = true
	}
	if len(ids) != 3 {
		t.Errorf("request ids not unique: %v", ids)
	}
}

func TestRunReconnectsAndResubscribes(t *testing.T) {
	first := newFakeSession(`{"e":"kline"}`)
	second := newFakeSession(`{"e":"kline"}`)
	d := &fakeDialer{sessions: []*fakeSession{first, nil, second}}
	c, delays := newTestConn(testConfig(), d)
	ctx := context.Background()
	c.SetDesired(ctx, []string{"btcusdt@kline_1m"})

	var states []State
	c.OnStateChange = func(_, to State) { states = append(states, to) }

	var got atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func([]byte) {
			if got.Add(1) == 1 {
				first.Close()
			}
		})
	}()

	deadline := time.After(2 * time.Second)
	for got.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d frames handled", got.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	c.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff([]time.Duration{5 * time.Second, 10 * time.Second}, *delays); diff != "" {
		t.Errorf("backoff delays (-want +got):\n%s", diff)
	}
	reqs := second.requests()
	if len(reqs) != 1 || reqs[0].Method != "SUBSCRIBE" || reqs[0].Params[0] != "btcusdt@kline_1m" {
		t.Errorf("second session requests = %+v", reqs)
	}
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateConnected, StateClosed}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	first := newFakeSession()
	first.Close()
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	d := &fakeDialer{sessions: []*fakeSession{first}}
	c, delays := newTestConn(cfg, d)

	var fatal atomic.Int32
	c.OnFatal = func(err error) {
		fatal.Add(1)
		if !errors.Is(err, model.ErrStream) {
			t.Errorf("fatal error %v is not ErrStream", err)
		}
	}

	err := c.Run(context.Background(), func([]byte) {})
	if !errors.Is(err, model.ErrStream) || !IsFatal(err) {
		t.Fatalf("Run err = %v, want ErrStream", err)
	}
	if len(*delays) != 3 {
		t.Errorf("attempts = %d, want 3", len(*delays))
	}
	if d.dials != 4 {
		t.Errorf("dials = %d, want 4", d.dials)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
	c.Close()
	if fatal.Load() != 1 {
		t.Errorf("OnFatal called %d times, want 1", fatal.Load())
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sess := newFakeSession()
	c := New(testConfig(), &fakeDialer{sessions: []*fakeSession{sess}}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, func([]byte) {}) }()

	for c.State() != StateConnected {
		time.Sleep(time.Millisecond)
	}
	cancel()
	c.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestKeepaliveDropsDeadSession(t *testing.T) {
	sess := newFakeSession()
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PongTimeout = 5 * time.Millisecond
	c, _ := newTestConn(cfg, &fakeDialer{sessions: []*fakeSession{sess}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !sess.isClosed() {
		select {
		case <-deadline:
			t.Fatal("session without pongs was not closed")
		case <-time.After(2 * time.Millisecond):
		}
	}
	if sess.pings.Load() == 0 {
		t.Error("no pings sent")
	}
	c.Close()
}

func TestKeepaliveSurvivesWithPongs(t *testing.T) {
	sess := newFakeSession()
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	c, _ := newTestConn(cfg, &fakeDialer{sessions: []*fakeSession{sess}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stop := time.After(60 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(2 * time.Millisecond):
			sess.mu.Lock()
			pong := sess.pong
			sess.mu.Unlock()
			pong()
		}
	}
	if sess.isClosed() {
		t.Fatal("healthy session was closed")
	}
	c.Close()
	if !sess.isClosed() {
		t.Error("Close left the session open")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sess := newFakeSession()
	cfg := testConfig()
	cfg.PingInterval = time.Hour
	c, _ := newTestConn(cfg, &fakeDialer{sessions: []*fakeSession{sess}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	c.Close()
	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
	if err := c.Connect(context.Background()); !errors.Is(err, model.ErrConnection) {
		t.Errorf("Connect after Close err = %v, want ErrConnection", err)
	}
}
