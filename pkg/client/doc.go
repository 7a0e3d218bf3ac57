// Package client provides a persistent event client for WebSocket servers.
//
// The client handles:
//   - Automatic reconnection with a short, capped backoff (31ms up to ~2s)
//   - JSON envelope decoding and dispatch by the envelope's "event" field
//   - A default handler for unknown events and envelopes without an event
//   - Best-effort sends with a single retry after a reconnect
//
// Basic usage:
//
//	c, err := client.New(client.Config{
//	    Endpoint: "wss://example.com/ws",
//	    Handlers: map[string]client.HandlerFunc{
//	        "ping": func(c *client.Client, m client.Message) {
//	            m.Fields()["event"] = "pong"
//	            _ = c.Emit(m.Fields())
//	        },
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	_ = c.Emit(map[string]any{"event": "ping"})
//
// Handlers can be added or replaced at any time, including from inside a
// handler:
//
//	c.On("pong", func(c *client.Client, m client.Message) { fmt.Println(m.Raw) })
//	c.On(client.DefaultEvent, func(c *client.Client, m client.Message) {
//	    log.Printf("unhandled: %s", m.Raw)
//	})
//
// By default every inbound payload must be JSON; anything else is dropped with
// an error log. Set Config.AllowNonJSON to route such payloads to
// Config.OnMessage instead.
//
// To silence logging:
//
//	config.Logger = logger.Discard()
package client
