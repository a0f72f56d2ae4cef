package heromessaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koalafacts/heromessaging-go/envelope"
)

// PayloadFactory returns a fresh zero-value pointer for a registered
// message type, the target encoding/json decodes a stored/received
// envelope's payload into.
type PayloadFactory func() any

// PayloadRegistry maps an envelope.Type tag to the concrete Go type its
// Payload decodes into, the same NewData-per-type idea saga.Definition
// uses for saga data, generalized to every message flowing through the
// Bus.
type PayloadRegistry struct {
	mu        sync.RWMutex
	factories map[string]PayloadFactory
}

// NewPayloadRegistry creates an empty registry.
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{factories: make(map[string]PayloadFactory)}
}

// Register binds messageType to factory.
func (r *PayloadRegistry) Register(messageType string, factory PayloadFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[messageType] = factory
}

// New returns a fresh target for messageType, or nil if unregistered -
// callers fall back to a generic map[string]any decode in that case.
func (r *PayloadRegistry) New(messageType string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[messageType]; ok {
		return f()
	}
	return nil
}

// envelopeWire is the JSON wire shape of an Envelope with Payload left as
// a raw message so it can be decoded into the type-specific target the
// PayloadRegistry supplies, mirroring saga.Codec's two-phase decode.
type envelopeWire struct {
	MessageID     string            `json:"messageId"`
	Kind          envelope.Kind     `json:"kind"`
	Type          string            `json:"type"`
	MessageGroup  string            `json:"messageGroup"`
	CorrelationID string            `json:"correlationId"`
	CausationID   string            `json:"causationId"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata"`
	Payload       json.RawMessage   `json:"payload"`
}

// envelopeWriteWire is the JSON shape Marshal writes, Payload left as
// its concrete type so encoding/json encodes it natively.
type envelopeWriteWire struct {
	MessageID     string            `json:"messageId"`
	Kind          envelope.Kind     `json:"kind"`
	Type          string            `json:"type"`
	MessageGroup  string            `json:"messageGroup"`
	CorrelationID string            `json:"correlationId"`
	CausationID   string            `json:"causationId"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata"`
	Payload       any               `json:"payload"`
}

// EnvelopeCodec (de)serializes an Envelope to/from the opaque []byte a
// storage.OutboxStore/InboxStore/ScheduledMessageStore persists.
type EnvelopeCodec struct {
	registry *PayloadRegistry
}

// NewEnvelopeCodec creates a codec resolving payload types through
// registry.
func NewEnvelopeCodec(registry *PayloadRegistry) *EnvelopeCodec {
	return &EnvelopeCodec{registry: registry}
}

// Marshal encodes env, Payload included verbatim via encoding/json.
func (c *EnvelopeCodec) Marshal(env *envelope.Envelope) ([]byte, error) {
	wire := envelopeWriteWire{
		MessageID:     env.MessageID.String(),
		Kind:          env.Kind,
		Type:          env.Type,
		MessageGroup:  env.MessageGroup,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Timestamp:     env.Timestamp,
		Metadata:      env.Metadata,
		Payload:       env.Payload,
	}
	return json.Marshal(wire)
}

// Unmarshal decodes data into an Envelope, resolving Payload's concrete
// type through the codec's PayloadRegistry. An unregistered Type decodes
// Payload into a generic map[string]any rather than failing, so an
// application can still inspect unknown messages by field name.
func (c *EnvelopeCodec) Unmarshal(data []byte) (*envelope.Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(wire.MessageID)
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		MessageID:     id,
		Kind:          wire.Kind,
		Type:          wire.Type,
		MessageGroup:  wire.MessageGroup,
		CorrelationID: wire.CorrelationID,
		CausationID:   wire.CausationID,
		Timestamp:     wire.Timestamp,
		Metadata:      wire.Metadata,
	}

	if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
		target := c.registry.New(wire.Type)
		if target == nil {
			var generic map[string]any
			if err := json.Unmarshal(wire.Payload, &generic); err != nil {
				return nil, err
			}
			env.Payload = generic
		} else {
			if err := json.Unmarshal(wire.Payload, target); err != nil {
				return nil, err
			}
			env.Payload = target
		}
	}
	return env, nil
}
