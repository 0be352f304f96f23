package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

// ContentType is the media type of encoded envelopes.
const ContentType = "application/json"

// ErrEmptyEnvelope is returned when a payload carries no message body.
var ErrEmptyEnvelope = errors.New("codec: envelope has no body")

type wireEnvelope struct {
	Headers map[string]string `json:"headers"`
	Type    string            `json:"type"`
	Body    json.RawMessage   `json:"body"`
}

// EnvelopeCodec converts envelopes to and from their wire form.
type EnvelopeCodec struct {
	registry *Registry
}

// NewEnvelopeCodec builds a codec resolving bodies through registry.
// The SubscriptionMessage type is always known.
func NewEnvelopeCodec(registry *Registry) *EnvelopeCodec {
	if registry == nil {
		registry = NewRegistry()
	}

	_ = registry.Register(cbus.SubscriptionMessage{})

	return &EnvelopeCodec{registry: registry}
}

// Registry exposes the underlying type registry.
func (c *EnvelopeCodec) Registry() *Registry { return c.registry }

// Marshal encodes env.
func (c *EnvelopeCodec) Marshal(env cbus.Envelope) ([]byte, error) {
	name, body, err := c.registry.Encode(env.Body())
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(wireEnvelope{Headers: env.Headers(), Type: name, Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return out, nil
}

// Unmarshal decodes data into an envelope. A payload that is not an envelope, or whose body is
// null, returns ErrEmptyEnvelope or ErrSerializationFailed.
func (c *EnvelopeCodec) Unmarshal(data []byte) (cbus.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return cbus.Envelope{}, fmt.Errorf("unmarshal envelope: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	if w.Type == "" || len(w.Body) == 0 || bytes.Equal(bytes.TrimSpace(w.Body), []byte("null")) {
		return cbus.Envelope{}, ErrEmptyEnvelope
	}

	body, err := c.registry.Decode(w.Type, w.Body)
	if err != nil {
		return cbus.Envelope{}, err
	}

	return cbus.NewEnvelope(w.Headers, body), nil
}
