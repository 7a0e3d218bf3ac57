package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codeGROOVE-dev/evsock/pkg/transport"
)

var errNoTransport = errors.New("no transport")

// Send writes raw to the connection. If the write fails the client reconnects
// and tries once more 10ms later; a second failure is dropped. Delivery is
// best effort and Send never blocks on the network handshake.
func (c *Client) Send(raw string) {
	err := c.write(raw)
	if err == nil {
		return
	}
	c.logger.Debug("send failed, reconnecting and retrying once", "error", err)

	c.Reconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendSeq++
	id := c.sendSeq
	c.sendTimers[id] = c.clock.AfterFunc(sendRetryDelay, func() {
		c.mu.Lock()
		_, pending := c.sendTimers[id]
		delete(c.sendTimers, id)
		c.mu.Unlock()
		if !pending {
			return
		}
		if err := c.write(raw); err != nil {
			c.logger.Debug("send retry failed, dropping message", "error", err, "bytes", len(raw))
		}
	})
}

// Emit encodes v as JSON and sends it. Only encoding errors are returned.
func (c *Client) Emit(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	c.Send(strings.TrimSuffix(buf.String(), "\n"))
	return nil
}

func (c *Client) write(raw string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNoTransport
	}
	if err := conn.Send(raw); err != nil {
		if errors.Is(err, transport.ErrNotOpen) {
			return err
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
