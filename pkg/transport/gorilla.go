package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = time.Second

// GorillaDialer dials with github.com/gorilla/websocket. Unlike the x/net
// dialer it reports the peer's close code and reason.
type GorillaDialer struct {
	dialer *websocket.Dialer
	opts   DialOptions
}

// NewGorillaDialer returns a dialer backed by gorilla/websocket.
func NewGorillaDialer(opts DialOptions) *GorillaDialer {
	opts = opts.withDefaults()
	return &GorillaDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  opts.TLSConfig,
		},
	}
}

// Dial starts connecting to endpoint in the background.
func (d *GorillaDialer) Dial(endpoint string, ev Events) Conn {
	return start(endpoint, ev, d.opts.Logger, func(ctx context.Context) (frames, error) {
		return d.dial(ctx, endpoint)
	}, classifyGorillaError)
}

func (d *GorillaDialer) dial(ctx context.Context, endpoint string) (frames, error) {
	header := http.Header{}
	if d.opts.Header != nil {
		header = d.opts.Header.Clone()
	}
	origin := d.opts.Origin
	if origin == "" {
		origin = defaultOrigin(endpoint)
	}
	header.Set("Origin", origin)

	ws, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		if cerr := resp.Body.Close(); cerr != nil {
			d.opts.Logger.Debug("closing handshake response body failed", "error", cerr)
		}
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if d.opts.ReadLimit > 0 {
		ws.SetReadLimit(d.opts.ReadLimit)
	}
	return gorillaFrames{ws: ws}, nil
}

type gorillaFrames struct {
	ws *websocket.Conn
}

func (f gorillaFrames) ReadText() (string, error) {
	_, data, err := f.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f gorillaFrames) WriteText(text string) error {
	return f.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (f gorillaFrames) Close(code int) error {
	msg := websocket.FormatCloseMessage(code, "")
	// The peer may already be gone; the close frame is best effort.
	_ = f.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)) //nolint:errcheck // best effort
	return f.ws.Close()
}

func classifyGorillaError(err error) (CloseEvent, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code := ce.Code
		if code == websocket.CloseNoStatusReceived {
			code = CloseNormal
		}
		return CloseEvent{Code: code, Reason: ce.Text, Clean: true}, false
	}
	return CloseEvent{Code: CloseAbnormal, Reason: err.Error()}, true
}
