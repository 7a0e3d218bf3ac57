// Package transport defines the duplex text channel that the event client
// drives, and provides WebSocket implementations of it.
//
// A Dialer produces a Conn that connects in the background and reports its
// progress through Events. Every Conn delivers its notifications from a single
// goroutine, in order: at most one OnOpen, any number of OnMessage and OnError,
// and exactly one final OnClose.
package transport

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ErrNotOpen is returned by Conn.Send when the connection is not open.
var ErrNotOpen = errors.New("transport: connection not open")

// State is the ready state of a Conn.
type State int32

const (
	// Connecting means the handshake is still in progress.
	Connecting State = iota
	// Open means text can be sent and received.
	Open
	// Closing means a close was requested and is in progress.
	Closing
	// Closed means the connection is gone and will not come back.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RFC 6455 close codes reported in CloseEvent.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// CloseEvent describes why a connection ended.
type CloseEvent struct {
	Reason string
	Code   int
	// Clean is true when the close handshake completed.
	Clean bool
}

// Events holds the notification callbacks of a Conn. Nil callbacks are skipped.
type Events struct {
	OnOpen    func()
	OnClose   func(CloseEvent)
	OnError   func(error)
	OnMessage func(data string)
}

// Conn is one connection attempt and, once open, the connection itself.
type Conn interface {
	// State reports the current ready state.
	State() State
	// Send writes one text message. It fails with ErrNotOpen unless State is Open.
	Send(text string) error
	// Close starts closing the connection. It is safe to call more than once.
	Close() error
}

// Dialer creates connections.
//
// Dial must return immediately and must not invoke any of the callbacks before
// it returns.
type Dialer interface {
	Dial(endpoint string, ev Events) Conn
}

// DialOptions configures the WebSocket dialers.
type DialOptions struct {
	Logger    *slog.Logger
	Header    http.Header
	TLSConfig *tls.Config
	// Origin is sent as the Origin header. Defaults to http(s)://localhost/.
	Origin           string
	HandshakeTimeout time.Duration
	// ReadLimit caps the size of a single inbound message. Zero means the
	// library default.
	ReadLimit int64
}

const defaultHandshakeTimeout = 30 * time.Second

func (o DialOptions) withDefaults() DialOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
