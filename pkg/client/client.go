package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/codeGROOVE-dev/evsock/pkg/logger"
	"github.com/codeGROOVE-dev/evsock/pkg/transport"
)

const (
	// DefaultEvent is the reserved handler name used when no handler matches.
	DefaultEvent = "default"

	// retryFloor is the reconnect delay, in milliseconds, after a successful open.
	retryFloor = 0
	// retryMask caps the reconnect delay at 2047ms.
	retryMask = 2047
	// retryStep is OR-ed into every grown delay so the first retry waits 31ms.
	retryStep = 31

	// sendRetryDelay is the wait before the single retry of a failed Send.
	sendRetryDelay = 10 * time.Millisecond
)

// State is the client's view of its connection.
type State int

const (
	// Connecting means a transport exists and has not opened yet.
	Connecting State = iota
	// Open means the current transport is open.
	Open
	// Closed means there is no usable transport.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config holds the configuration for the client.
type Config struct {
	// Dialer creates transports. Defaults to transport.NewWebSocketDialer.
	Dialer transport.Dialer
	// Clock schedules reconnects and send retries. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger receives client diagnostics. Defaults to logger.Default().
	Logger *slog.Logger
	// Handlers seeds the handler table. A "default" entry replaces the
	// built-in default handler.
	Handlers map[string]HandlerFunc

	// OnOpen, OnClose and OnError run with no client lock held.
	OnOpen  func(*Client)
	OnClose func(*Client, transport.CloseEvent)
	OnError func(*Client, error)
	// OnMessage receives payloads that are not JSON envelopes. It is only
	// used when AllowNonJSON is set.
	OnMessage func(c *Client, raw string)

	// Endpoint is the ws:// or wss:// address to connect to.
	Endpoint string
	// Origin is the http(s) address of the hosting application. When Endpoint
	// is empty the endpoint is derived from it.
	Origin string

	// MaxReconnects stops automatic reconnection after this many consecutive
	// closes without an open. Zero means retry forever.
	MaxReconnects int
	// AllowNonJSON routes non-JSON payloads to OnMessage instead of dropping
	// them with a diagnostic.
	AllowNonJSON bool
	// Verbose logs every inbound event at info level instead of debug.
	Verbose bool
}

// Client is a persistent, self-reconnecting event client.
type Client struct {
	dialer transport.Dialer
	clock  clockwork.Clock
	logger *slog.Logger

	onOpen  func(*Client)
	onClose func(*Client, transport.CloseEvent)
	onError func(*Client, error)

	handlers   map[string]Handler
	conn       transport.Conn
	retryTimer clockwork.Timer
	sendTimers map[uint64]clockwork.Timer
	// onMessage is the raw-message fallback; filled with the default handler
	// on the first open when the application did not supply one.
	onMessage func(c *Client, raw string)

	endpoint string

	hmu sync.RWMutex
	mu  sync.Mutex

	gen           uint64
	sendSeq       uint64
	retry         int
	failures      int
	maxReconnects int

	connected     bool
	autoReconnect bool
	allowNonJSON  bool
	verbose       bool
}

// New creates a client and starts connecting immediately.
func New(config Config) (*Client, error) {
	endpoint := config.Endpoint
	if endpoint == "" {
		if config.Origin == "" {
			return nil, errors.New("endpoint or origin is required")
		}
		var err error
		endpoint, err = EndpointFromOrigin(config.Origin)
		if err != nil {
			return nil, err
		}
	}
	if config.MaxReconnects < 0 {
		return nil, errors.New("max reconnects must not be negative")
	}

	log := config.Logger
	if log == nil {
		log = logger.Default()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(transport.DialOptions{Logger: log})
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Client{
		endpoint:      endpoint,
		dialer:        dialer,
		clock:         clock,
		logger:        log.With("endpoint", endpoint),
		onOpen:        config.OnOpen,
		onClose:       config.OnClose,
		onError:       config.OnError,
		onMessage:     config.OnMessage,
		handlers:      map[string]Handler{DefaultEvent: HandlerFunc(defaultHandler)},
		sendTimers:    make(map[uint64]clockwork.Timer),
		retry:         retryFloor,
		maxReconnects: config.MaxReconnects,
		allowNonJSON:  config.AllowNonJSON,
		verbose:       config.Verbose,
	}
	for name, h := range config.Handlers {
		if h != nil {
			c.handlers[name] = h
		}
	}

	c.Reconnect()
	return c, nil
}

// EndpointFromOrigin derives a WebSocket address from an http(s) address:
// the scheme becomes ws or wss, host and path are kept.
func EndpointFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		u.Scheme = strings.ToLower(u.Scheme)
	default:
		return "", fmt.Errorf("origin %q: unsupported scheme %q", origin, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	u.Fragment = ""
	return u.String(), nil
}

// nextRetry grows a reconnect delay: 0, 31, 63, 127 ... 2047, 2047.
func nextRetry(prev int) int {
	return ((prev << 1) | retryStep) & retryMask
}

// Endpoint returns the address the client connects to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// State reports whether the client is connecting, open or closed.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Closed
	}
	switch c.conn.State() {
	case transport.Connecting:
		return Connecting
	case transport.Open:
		if c.connected {
			return Open
		}
		// The transport is up but its open notification is still in flight.
		return Connecting
	default:
		return Closed
	}
}

// Connected reports whether the last open has not been followed by a close.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RetryDelay returns the delay that was used for the most recently scheduled
// reconnect, or zero after a successful open.
func (c *Client) RetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.retry) * time.Millisecond
}

// Reconnect opens a new transport unless the current one is connecting or
// open. It returns immediately.
func (c *Client) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectLocked()
}

// reconnectIfAuto is the backoff timer callback. It does nothing once Close
// has cleared the auto-reconnect flag, even if the timer already fired.
func (c *Client) reconnectIfAuto() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.autoReconnect {
		c.logger.Debug("skipping scheduled reconnect after close")
		return
	}
	c.reconnectLocked()
}

func (c *Client) reconnectLocked() {
	if c.conn != nil {
		if s := c.conn.State(); s == transport.Connecting || s == transport.Open {
			return
		}
	}
	c.autoReconnect = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.gen++
	gen := c.gen

	if c.gen == 1 {
		c.logger.Info("connecting")
	} else {
		c.logger.Info("reconnecting", "attempt", c.failures+1)
	}

	c.conn = c.dialer.Dial(c.endpoint, transport.Events{
		OnOpen:    func() { c.handleOpen(gen) },
		OnClose:   func(ev transport.CloseEvent) { c.handleClose(gen, ev) },
		OnError:   func(err error) { c.handleError(gen, err) },
		OnMessage: func(raw string) { c.handleMessage(raw) },
	})
}

// Close stops automatic reconnection and closes the current transport.
func (c *Client) Close() {
	c.mu.Lock()
	c.autoReconnect = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	for id, t := range c.sendTimers {
		t.Stop()
		delete(c.sendTimers, id)
	}
	conn := c.conn
	c.mu.Unlock()

	c.logger.Info("closing")
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		c.logger.Warn("transport close failed", "error", err)
	}
}

func (c *Client) handleOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("ignoring open from a replaced transport", "generation", gen)
		return
	}
	c.connected = true
	c.retry = retryFloor
	c.failures = 0
	onOpen := c.onOpen
	c.mu.Unlock()

	c.logger.Info("connection established")
	if onOpen != nil {
		onOpen(c)
	}

	c.mu.Lock()
	if c.onMessage == nil {
		def := c.handler(DefaultEvent)
		c.onMessage = func(c *Client, raw string) {
			def.HandleEvent(c, Message{Raw: raw})
		}
	}
	c.mu.Unlock()
}

func (c *Client) handleClose(gen uint64, ev transport.CloseEvent) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("ignoring close from a replaced transport", "generation", gen, "code", ev.Code)
		return
	}
	c.connected = false
	onClose := c.onClose
	c.mu.Unlock()

	if ev.Clean {
		c.logger.Info("connection closed", "code", ev.Code, "reason", ev.Reason)
	} else {
		c.logger.Warn("connection lost", "code", ev.Code, "reason", ev.Reason)
	}
	if onClose != nil {
		onClose(c, ev)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		// onClose reconnected on its own.
		return
	}
	c.retry = nextRetry(c.retry)
	c.failures++
	if !c.autoReconnect {
		return
	}
	if c.maxReconnects > 0 && c.failures > c.maxReconnects {
		c.autoReconnect = false
		c.logger.Error("giving up on reconnecting", "failures", c.failures, "max_reconnects", c.maxReconnects)
		return
	}
	delay := time.Duration(c.retry) * time.Millisecond
	c.logger.Info("scheduling reconnect", "delay", delay, "attempt", c.failures)
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = c.clock.AfterFunc(delay, c.reconnectIfAuto)
}

func (c *Client) handleError(gen uint64, err error) {
	c.mu.Lock()
	stale := gen != c.gen
	onError := c.onError
	c.mu.Unlock()

	if stale {
		c.logger.Debug("error from a replaced transport", "generation", gen, "error", err)
		return
	}
	c.logger.Warn("transport error", "error", err)
	if onError != nil {
		onError(c, err)
	}
}
