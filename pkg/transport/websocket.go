package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/websocket"
)

// WebSocketDialer dials with golang.org/x/net/websocket.
type WebSocketDialer struct {
	opts DialOptions
}

// NewWebSocketDialer returns the default dialer.
func NewWebSocketDialer(opts DialOptions) *WebSocketDialer {
	return &WebSocketDialer{opts: opts.withDefaults()}
}

// Dial starts connecting to endpoint in the background.
func (d *WebSocketDialer) Dial(endpoint string, ev Events) Conn {
	return start(endpoint, ev, d.opts.Logger, func(ctx context.Context) (frames, error) {
		return d.dial(ctx, endpoint)
	}, classifyNetError)
}

func (d *WebSocketDialer) dial(ctx context.Context, endpoint string) (frames, error) {
	origin := d.opts.Origin
	if origin == "" {
		origin = defaultOrigin(endpoint)
	}
	cfg, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if d.opts.Header != nil {
		cfg.Header = d.opts.Header.Clone()
	}
	cfg.TlsConfig = d.opts.TLSConfig

	ctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if d.opts.ReadLimit > 0 {
		ws.MaxPayloadBytes = int(d.opts.ReadLimit)
	}
	return netFrames{ws: ws}, nil
}

type netFrames struct {
	ws *websocket.Conn
}

func (f netFrames) ReadText() (string, error) {
	var text string
	err := websocket.Message.Receive(f.ws, &text)
	return text, err
}

func (f netFrames) WriteText(text string) error {
	return websocket.Message.Send(f.ws, text)
}

// Close ignores code: x/net always sends 1000.
func (f netFrames) Close(int) error {
	return f.ws.Close()
}

// classifyNetError maps x/net read errors. The library reports a peer close
// frame as io.EOF and does not expose its code.
func classifyNetError(err error) (CloseEvent, bool) {
	if errors.Is(err, io.EOF) {
		return CloseEvent{Code: CloseNormal, Reason: "closed by peer", Clean: true}, false
	}
	return CloseEvent{Code: CloseAbnormal, Reason: err.Error()}, true
}
