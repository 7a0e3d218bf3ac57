package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// frames is what a WebSocket library has to provide once a connection is up.
type frames interface {
	ReadText() (string, error)
	WriteText(text string) error
	// Close sends a close frame where the library supports it and releases
	// the network connection.
	Close(code int) error
}

type dialFunc func(ctx context.Context) (frames, error)

// classifyFunc turns the error that ended the read loop into a CloseEvent.
// The boolean reports whether the error should also be surfaced via OnError.
type classifyFunc func(err error) (CloseEvent, bool)

// conn runs the connection state machine shared by every dialer.
type conn struct {
	f         frames
	logger    *slog.Logger
	cancel    context.CancelFunc
	ev        Events
	endpoint  string
	mu        sync.Mutex
	wmu       sync.Mutex
	state     State
	requested bool
}

func start(endpoint string, ev Events, logger *slog.Logger, dial dialFunc, classify classifyFunc) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		endpoint: endpoint,
		ev:       ev,
		logger:   logger,
		cancel:   cancel,
		state:    Connecting,
	}
	go c.run(ctx, dial, classify)
	return c
}

func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) Send(text string) error {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return ErrNotOpen
	}
	f := c.f
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := f.WriteText(text); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	switch c.state {
	case Connecting:
		c.requested = true
		c.state = Closing
		c.mu.Unlock()
		c.cancel()
		return nil
	case Open:
		c.requested = true
		c.state = Closing
		f := c.f
		c.mu.Unlock()
		c.logger.Debug("closing transport", "endpoint", c.endpoint)
		return f.Close(CloseNormal)
	default:
		c.mu.Unlock()
		return nil
	}
}

func (c *conn) run(ctx context.Context, dial dialFunc, classify classifyFunc) {
	defer c.cancel()

	f, err := dial(ctx)
	if err != nil {
		c.mu.Lock()
		requested := c.requested
		c.state = Closed
		c.mu.Unlock()

		if requested {
			c.logger.Debug("transport closed before open", "endpoint", c.endpoint)
			c.closed(CloseEvent{Code: CloseAbnormal, Reason: "closed before open"})
			return
		}
		c.logger.Debug("transport dial failed", "endpoint", c.endpoint, "error", err)
		c.failed(err)
		c.closed(CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
		return
	}

	c.mu.Lock()
	if c.requested {
		c.state = Closed
		c.mu.Unlock()
		if err := f.Close(CloseNormal); err != nil {
			c.logger.Debug("close after late open failed", "error", err)
		}
		c.closed(CloseEvent{Code: CloseNormal, Reason: "closed before open", Clean: true})
		return
	}
	c.f = f
	c.state = Open
	c.mu.Unlock()

	c.logger.Debug("transport open", "endpoint", c.endpoint)
	if c.ev.OnOpen != nil {
		c.ev.OnOpen()
	}

	for {
		text, err := f.ReadText()
		if err != nil {
			c.finish(f, err, classify)
			return
		}
		if c.ev.OnMessage != nil {
			c.ev.OnMessage(text)
		}
	}
}

// finish moves an open connection to Closed after its read loop ended.
func (c *conn) finish(f frames, readErr error, classify classifyFunc) {
	c.mu.Lock()
	requested := c.requested
	wasOpen := c.state == Open
	c.state = Closed
	c.mu.Unlock()

	if wasOpen {
		if err := f.Close(CloseGoingAway); err != nil && !isClosedErr(err) {
			c.logger.Debug("releasing transport failed", "error", err)
		}
	}

	ev, report := classify(readErr)
	if requested {
		if ev.Code == CloseAbnormal {
			ev = CloseEvent{Code: CloseNormal, Reason: "closed by client", Clean: true}
		}
		report = false
	}
	if report {
		c.failed(readErr)
	}
	c.logger.Debug("transport closed", "endpoint", c.endpoint, "code", ev.Code, "reason", ev.Reason)
	c.closed(ev)
}

func (c *conn) failed(err error) {
	if c.ev.OnError != nil {
		c.ev.OnError(err)
	}
}

func (c *conn) closed(ev CloseEvent) {
	if c.ev.OnClose != nil {
		c.ev.OnClose(ev)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}

// defaultOrigin picks an Origin header matching the endpoint scheme.
func defaultOrigin(endpoint string) string {
	if strings.HasPrefix(strings.ToLower(endpoint), "wss://") {
		return "https://localhost/"
	}
	return "http://localhost/"
}
