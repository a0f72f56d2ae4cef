package heromessaging

import (
	"testing"

	"github.com/koalafacts/heromessaging-go/envelope"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

func (orderPlaced) MessageType() string { return "order.placed" }

func TestEnvelopeCodecRoundTripWithRegisteredType(t *testing.T) {
	registry := NewPayloadRegistry()
	registry.Register("order.placed", func() any { return &orderPlaced{} })
	codec := NewEnvelopeCodec(registry)

	env := envelope.New(envelope.KindEvent, orderPlaced{OrderID: "o-1", Total: 42},
		envelope.WithCorrelationID("corr-1"),
		envelope.WithMessageGroup("orders"))

	data, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := codec.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.MessageID != env.MessageID {
		t.Fatal("MessageID did not survive the round trip")
	}
	if decoded.CorrelationID != "corr-1" || decoded.MessageGroup != "orders" {
		t.Fatalf("metadata did not survive: %+v", decoded)
	}

	payload, ok := decoded.Payload.(*orderPlaced)
	if !ok {
		t.Fatalf("expected typed payload, got %T", decoded.Payload)
	}
	if payload.OrderID != "o-1" || payload.Total != 42 {
		t.Fatalf("payload fields did not survive: %+v", payload)
	}
}

func TestEnvelopeCodecUnregisteredTypeDecodesGeneric(t *testing.T) {
	codec := NewEnvelopeCodec(NewPayloadRegistry())

	env := envelope.New(envelope.KindEvent, orderPlaced{OrderID: "o-2", Total: 7})
	data, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := codec.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	generic, ok := decoded.Payload.(map[string]any)
	if !ok {
		t.Fatalf("expected generic map payload, got %T", decoded.Payload)
	}
	if generic["orderId"] != "o-2" {
		t.Fatalf("expected field access by name, got %v", generic)
	}
}
