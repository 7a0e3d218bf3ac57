package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"golang.org/x/net/websocket"
)

// recorder collects Events notifications.
type recorder struct {
	opened   chan struct{}
	closed   chan CloseEvent
	messages chan string
	mu       sync.Mutex
	errs     []error
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 1),
		closed:   make(chan CloseEvent, 1),
		messages: make(chan string, 16),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnOpen:    func() { r.opened <- struct{}{} },
		OnClose:   func(ev CloseEvent) { r.closed <- ev },
		OnMessage: func(s string) { r.messages <- s },
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-r.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("not opened within 2s")
	}
}

func (r *recorder) waitClose(t *testing.T) CloseEvent {
	t.Helper()
	select {
	case ev := <-r.closed:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("not closed within 2s")
		return CloseEvent{}
	}
}

func (r *recorder) waitMessage(t *testing.T) string {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message within 2s")
		return ""
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// newEchoServer echoes text frames using x/net.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		for {
			var text string
			if err := websocket.Message.Receive(ws, &text); err != nil {
				return
			}
			if err := websocket.Message.Send(ws, text); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialers() map[string]Dialer {
	return map[string]Dialer{
		"xnet":    NewWebSocketDialer(DialOptions{}),
		"gorilla": NewGorillaDialer(DialOptions{}),
	}
}

func TestRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	for name, d := range dialers() {
		t.Run(name, func(t *testing.T) {
			r := newRecorder()
			c := d.Dial(wsURL(srv), r.events())
			r.waitOpen(t)

			if c.State() != Open {
				t.Errorf("State() = %v after open", c.State())
			}
			if err := c.Send(`{"event":"echo"}`); err != nil {
				t.Fatalf("Send() failed: %v", err)
			}
			if got := r.waitMessage(t); got != `{"event":"echo"}` {
				t.Errorf("echo = %q", got)
			}

			if err := c.Close(); err != nil {
				t.Errorf("Close() failed: %v", err)
			}
			ev := r.waitClose(t)
			if ev.Code != CloseNormal {
				t.Errorf("close code = %d, want %d", ev.Code, CloseNormal)
			}
			if errs := r.errors(); len(errs) != 0 {
				t.Errorf("client close reported errors: %v", errs)
			}
			if c.State() != Closed {
				t.Errorf("State() = %v after close", c.State())
			}
			if err := c.Send("late"); !errors.Is(err, ErrNotOpen) {
				t.Errorf("Send() after close = %v, want ErrNotOpen", err)
			}
		})
	}
}

func TestSendBeforeOpen(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.Error(w, "late", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	defer close(release)

	r := newRecorder()
	c := NewWebSocketDialer(DialOptions{}).Dial(wsURL(srv), r.events())
	if c.State() != Connecting {
		t.Errorf("State() = %v, want Connecting", c.State())
	}
	if err := c.Send("early"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send() = %v, want ErrNotOpen", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	ev := r.waitClose(t)
	if ev.Code != CloseAbnormal {
		t.Errorf("close code = %d, want %d", ev.Code, CloseAbnormal)
	}
	if errs := r.errors(); len(errs) != 0 {
		t.Errorf("requested close reported errors: %v", errs)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	for name, d := range dialers() {
		t.Run(name, func(t *testing.T) {
			r := newRecorder()
			d.Dial(wsURL(srv), r.events())

			ev := r.waitClose(t)
			if ev.Code != CloseAbnormal || ev.Clean {
				t.Errorf("close = %+v, want abnormal", ev)
			}
			if errs := r.errors(); len(errs) != 1 {
				t.Errorf("got %d errors, want 1", len(errs))
			}
			select {
			case <-r.opened:
				t.Error("failed dial reported open")
			default:
			}
		})
	}
}

func TestGorillaReportsPeerCloseCode(t *testing.T) {
	upgrader := gorilla.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		msg := gorilla.FormatCloseMessage(4000, "maintenance")
		if err := ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			return
		}
		// Wait for the client to answer the close.
		_, _, _ = ws.ReadMessage() //nolint:errcheck // drains the close reply
	}))
	defer srv.Close()

	r := newRecorder()
	NewGorillaDialer(DialOptions{}).Dial(wsURL(srv), r.events())
	r.waitOpen(t)

	ev := r.waitClose(t)
	if ev.Code != 4000 || ev.Reason != "maintenance" || !ev.Clean {
		t.Errorf("close = %+v, want 4000 maintenance", ev)
	}
	if errs := r.errors(); len(errs) != 0 {
		t.Errorf("clean peer close reported errors: %v", errs)
	}
}

func TestPeerCloseIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		if err := ws.Close(); err != nil {
			t.Logf("server close: %v", err)
		}
	}))
	defer srv.Close()

	r := newRecorder()
	NewWebSocketDialer(DialOptions{}).Dial(wsURL(srv), r.events())
	r.waitOpen(t)

	ev := r.waitClose(t)
	if ev.Code != CloseNormal {
		t.Errorf("close code = %d, want %d", ev.Code, CloseNormal)
	}
	if errs := r.errors(); len(errs) != 0 {
		t.Errorf("peer close reported errors: %v", errs)
	}
}

func TestHeadersReachServer(t *testing.T) {
	got := make(chan http.Header, 2)
	upgrader := gorilla.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close() //nolint:errcheck // test server teardown
	}))
	defer srv.Close()

	header := http.Header{"X-Client": []string{"evsock"}}
	opts := DialOptions{Header: header, Origin: "https://app.example"}
	for name, d := range map[string]Dialer{
		"xnet":    NewWebSocketDialer(opts),
		"gorilla": NewGorillaDialer(opts),
	} {
		t.Run(name, func(t *testing.T) {
			r := newRecorder()
			d.Dial(wsURL(srv), r.events())
			h := <-got
			if h.Get("X-Client") != "evsock" {
				t.Errorf("X-Client = %q", h.Get("X-Client"))
			}
			if h.Get("Origin") != "https://app.example" {
				t.Errorf("Origin = %q", h.Get("Origin"))
			}
			r.waitClose(t)
		})
	}
}

func TestDefaultOrigin(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"ws://localhost:8080/ws", "http://localhost/"},
		{"wss://example.com/ws", "https://localhost/"},
		{"WSS://EXAMPLE.COM/", "https://localhost/"},
	}
	for _, tt := range tests {
		if got := defaultOrigin(tt.endpoint); got != tt.want {
			t.Errorf("defaultOrigin(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Connecting, "Connecting"},
		{Open, "Open"},
		{Closing, "Closing"},
		{Closed, "Closed"},
		{State(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestClassifyNetError(t *testing.T) {
	ev, report := classifyNetError(errors.New("connection reset by peer"))
	if ev.Code != CloseAbnormal || !report {
		t.Errorf("reset = %+v, %v", ev, report)
	}
}
