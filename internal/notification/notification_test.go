package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Send(context.Context, Message) error { return f.err }

type countingNotifier struct{ n int }

func (c *countingNotifier) Send(context.Context, Message) error {
	c.n++
	return nil
}

func TestLoggerNotifierWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	n := NewLoggerNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := n.Send(context.Background(), Message{Kind: KindAgentSpend, Destination: "agent-1", Body: "spent 10"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(buf.String(), `"kind":"agent_spend"`) {
		t.Fatalf("unexpected log line %s", buf.String())
	}

	var nilNotifier *LoggerNotifier
	if err := nilNotifier.Send(context.Background(), Message{}); err != nil {
		t.Fatalf("nil notifier must be a no-op, got %v", err)
	}
}

func TestFanoutDeliversPastFailures(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingNotifier{}
	err := Fanout{failingNotifier{err: boom}, nil, counter}.Send(context.Background(), Message{Kind: KindAgentFrozen})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if counter.n != 1 {
		t.Fatalf("expected delivery after failure, got %d", counter.n)
	}
}

func TestPublishingEncodesMessage(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := Message{Kind: KindAgentClosed, Destination: "agent-1", Body: "closed", OccurredAt: at}
	pub, err := publishing(msg)
	if err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if pub.DeliveryMode != amqp.Persistent || pub.Type != KindAgentClosed || !pub.Timestamp.Equal(at) {
		t.Fatalf("unexpected publishing %+v", pub)
	}
	var decoded Message
	if err := json.Unmarshal(pub.Body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != msg.Kind || decoded.Destination != msg.Destination || decoded.Body != msg.Body || !decoded.OccurredAt.Equal(at) {
		t.Fatalf("expected %+v, got %+v", msg, decoded)
	}
}

func TestAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher(AMQPConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	var p *AMQPPublisher
	if err := p.Send(context.Background(), Message{}); err == nil {
		t.Fatal("expected error from nil publisher")
	}
}
