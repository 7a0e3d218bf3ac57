package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Message is one inbound payload.
type Message struct {
	// Data is the decoded JSON value. It is nil for raw text messages and for
	// a JSON null.
	Data any
	// Raw is the payload exactly as received.
	Raw string
	// JSON reports whether Raw decoded as JSON.
	JSON bool
}

// Fields returns the decoded object, or nil when the payload was not a JSON
// object.
func (m Message) Fields() map[string]any {
	obj, _ := m.Data.(map[string]any) //nolint:errcheck // type assertion, not error
	return obj
}

// Get returns a top-level field of the decoded object.
func (m Message) Get(key string) any {
	return m.Fields()[key]
}

// Event returns the envelope's event name. Numbers and booleans are turned
// into their JSON text, so {"event":7} looks up "7". ok is false when the
// payload is not an object or its event field is missing, null, an object
// or an array.
func (m Message) Event() (name string, ok bool) {
	switch v := m.Get("event").(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// Decode copies the decoded object into out, matching fields by their json
// tags.
func (m Message) Decode(out any) error {
	obj := m.Fields()
	if obj == nil {
		return errors.New("message is not a JSON object")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	if err := dec.Decode(obj); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}

// decodeMessage parses raw as JSON.
func decodeMessage(raw string) (Message, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Message{Raw: raw}, err
	}
	return Message{Raw: raw, Data: v, JSON: true}, nil
}

// truthy mirrors the falsy JSON values that lenient mode treats as non-envelopes.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// Handler handles envelopes for one event name.
type Handler interface {
	HandleEvent(c *Client, m Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Client, m Message)

// HandleEvent calls f(c, m).
func (f HandlerFunc) HandleEvent(c *Client, m Message) {
	f(c, m)
}
