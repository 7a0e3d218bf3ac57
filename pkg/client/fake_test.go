package client

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/codeGROOVE-dev/evsock/pkg/transport"
)

// fakeConn is a transport driven by the test.
type fakeConn struct {
	ev       transport.Events
	endpoint string
	sent     []string
	attempts []string
	mu       sync.Mutex
	state    transport.State
	closes   int
}

func (f *fakeConn) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, text)
	if f.state != transport.Open {
		return transport.ErrNotOpen
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.state == transport.Connecting || f.state == transport.Open {
		f.state = transport.Closing
	}
	return nil
}

func (f *fakeConn) open() {
	f.mu.Lock()
	f.state = transport.Open
	f.mu.Unlock()
	f.ev.OnOpen()
}

func (f *fakeConn) drop() {
	f.mu.Lock()
	f.state = transport.Closed
	f.mu.Unlock()
	f.ev.OnClose(transport.CloseEvent{Code: transport.CloseAbnormal, Reason: "test drop"})
}

func (f *fakeConn) deliver(raw string) {
	f.ev.OnMessage(raw)
}

func (f *fakeConn) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeConn) sendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func (f *fakeConn) closeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeDialer records every dial.
type fakeDialer struct {
	dialed chan *fakeConn
	conns  []*fakeConn
	mu     sync.Mutex
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) Dial(endpoint string, ev transport.Events) transport.Conn {
	c := &fakeConn{endpoint: endpoint, ev: ev, state: transport.Connecting}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- c
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// next waits for the next dial.
func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(time.Second):
		t.Fatal("no dial within 1s")
		return nil
	}
}

// expectNoDial fails if a dial shows up within a short grace period.
func (d *fakeDialer) expectNoDial(t *testing.T) {
	t.Helper()
	select {
	case <-d.dialed:
		t.Fatal("unexpected dial")
	case <-time.After(50 * time.Millisecond):
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) count(substr string) int {
	return strings.Count(b.String(), substr)
}

// fakeClock is the part of clockwork's fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type harness struct {
	client *Client
	dialer *fakeDialer
	clock  fakeClock
	logs   *syncBuffer
	conn   *fakeConn
}

// newHarness builds a client on a fake dialer and clock and returns it with
// its first transport.
func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  clockwork.NewFakeClock(),
		logs:   &syncBuffer{},
	}
	if config.Endpoint == "" && config.Origin == "" {
		config.Endpoint = "ws://test.invalid/ws"
	}
	config.Dialer = h.dialer
	config.Clock = h.clock
	config.Logger = slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := New(config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(c.Close)
	h.client = c
	h.conn = h.dialer.next(t)
	return h
}
