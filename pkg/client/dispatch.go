package client

import "fmt"

// On registers fn for the event name, replacing any previous handler.
// Registering under DefaultEvent replaces the fallback handler.
func (c *Client) On(event string, fn HandlerFunc) {
	if fn == nil {
		c.Off(event)
		return
	}
	c.Handle(event, fn)
}

// Handle registers h for the event name.
func (c *Client) Handle(event string, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[event] = h
}

// Off removes the handler for the event name. Removing DefaultEvent restores
// the built-in default handler.
func (c *Client) Off(event string) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if event == DefaultEvent {
		c.handlers[DefaultEvent] = HandlerFunc(defaultHandler)
		return
	}
	delete(c.handlers, event)
}

// handler returns the handler for event, or the default handler.
func (c *Client) handler(event string) Handler {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	if h, ok := c.handlers[event]; ok {
		return h
	}
	return c.handlers[DefaultEvent]
}

func (c *Client) handleMessage(raw string) {
	msg, err := decodeMessage(raw)

	if !c.allowNonJSON {
		if err != nil {
			c.logger.Error("dropping message that is not JSON", "error", err, "raw", clip(raw))
			return
		}
	} else if err != nil || !truthy(msg.Data) {
		c.mu.Lock()
		onMessage := c.onMessage
		c.mu.Unlock()
		if onMessage == nil {
			c.handler(DefaultEvent).HandleEvent(c, Message{Raw: raw})
			return
		}
		onMessage(c, raw)
		return
	}

	event, ok := msg.Event()
	if !ok {
		event = DefaultEvent
	}
	if c.verbose {
		c.logger.Info("event received", "event", event, "raw", clip(raw))
	} else {
		c.logger.Debug("event received", "event", event)
	}
	c.handler(event).HandleEvent(c, msg)
}

// defaultHandler is the built-in fallback. It only reports what it saw.
func defaultHandler(c *Client, m Message) {
	switch {
	case !m.JSON:
		c.logger.Warn("unknown message: set OnMessage to handle non-JSON payloads", "raw", clip(m.Raw))
	case truthy(m.Get("event")):
		c.logger.Warn(fmt.Sprintf("unknown event %v: register a handler for it or for %q", m.Get("event"), DefaultEvent),
			"raw", clip(m.Raw))
	default:
		c.logger.Warn("message is missing the event field", "raw", clip(m.Raw))
	}
}

const clipLength = 256

// clip shortens payloads for logging.
func clip(s string) string {
	if len(s) <= clipLength {
		return s
	}
	return s[:clipLength] + "..."
}
