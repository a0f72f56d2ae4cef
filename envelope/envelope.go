// Package envelope defines the message identity and metadata carried
// through every stage of dispatch: mediator, event bus, pipeline,
// outbox, inbox, and saga.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three roles a message can play.
type Kind string

const (
	KindCommand Kind = "COMMAND"
	KindQuery   Kind = "QUERY"
	KindEvent   Kind = "EVENT"
)

// Envelope wraps an application payload with the identity and
// correlation metadata the rest of this library relies on. Handlers
// (pipeline.Processor) receive the Envelope itself, as does every
// decorator; the payload is reached through its Payload field.
type Envelope struct {
	// MessageID uniquely identifies this message instance. Producer
	// assigned, 128-bit, stable across retries.
	MessageID uuid.UUID

	// Kind is Command, Query, or Event.
	Kind Kind

	// Type is the payload's type tag, used for handler/converter lookup.
	// Set by MessageType() on the payload, not derived via reflection.
	Type string

	// MessageGroup orders related messages for FIFO processing in the
	// outbox. Empty means unordered. Ring buffer priority bands come from
	// queue.Item.Priority, not from this field.
	MessageGroup string

	// CorrelationID ties a chain of related messages together across a
	// business transaction. Propagates from cause to effect.
	CorrelationID string

	// CausationID is the MessageID of the message that caused this one.
	// Empty for root messages.
	CausationID string

	// Timestamp is when the envelope was created.
	Timestamp time.Time

	// Metadata carries transport-agnostic key/value context (tenant,
	// principal, tracing headers) that handlers may read but must not
	// require for correctness.
	Metadata map[string]string

	// Payload is the typed application message.
	Payload any
}

// TypeTagged is implemented by application messages that want an
// explicit type tag instead of relying on Go's reflected type name.
// Handlers and converters key off this tag, not reflect.Type, so a
// payload can be renamed/refactored without invalidating persisted
// envelopes.
type TypeTagged interface {
	MessageType() string
}

// New builds an Envelope for a payload, deriving CorrelationID from the
// parent context if provided and generating a fresh MessageID.
func New(kind Kind, payload any, opts ...Option) *Envelope {
	env := &Envelope{
		MessageID: uuid.New(),
		Kind:      kind,
		Type:      typeOf(payload),
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]string),
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.MessageID.String()
	}
	return env
}

// Option customizes an Envelope at construction time.
type Option func(*Envelope)

// WithCorrelationID sets an explicit correlation id, typically copied
// from a parent envelope.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausation marks env as caused by parent, inheriting parent's
// correlation id and message group unless already set.
func WithCausation(parent *Envelope) Option {
	return func(e *Envelope) {
		e.CausationID = parent.MessageID.String()
		if e.CorrelationID == "" {
			e.CorrelationID = parent.CorrelationID
		}
		if e.MessageGroup == "" {
			e.MessageGroup = parent.MessageGroup
		}
	}
}

// WithMessageGroup sets the FIFO ordering group.
func WithMessageGroup(group string) Option {
	return func(e *Envelope) { e.MessageGroup = group }
}

// WithMetadata attaches a single metadata key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Envelope) { e.Metadata[key] = value }
}

func typeOf(payload any) string {
	if tagged, ok := payload.(TypeTagged); ok {
		return tagged.MessageType()
	}
	return ""
}

// EffectiveMessageGroup returns MessageGroup or "default" when unset,
// matching how the outbox and scheduler group unordered messages.
func (e *Envelope) EffectiveMessageGroup() string {
	if e.MessageGroup == "" {
		return "default"
	}
	return e.MessageGroup
}
