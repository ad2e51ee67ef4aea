package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	KindAgentCreated            = "agent_created"
	KindAgentDeposit            = "agent_deposit"
	KindAgentSpend              = "agent_spend"
	KindAgentWithdraw           = "agent_withdraw"
	KindAgentFrozen             = "agent_frozen"
	KindAgentUnfrozen           = "agent_unfrozen"
	KindAgentConstraintsUpdated = "agent_constraints_updated"
	KindAgentClosed             = "agent_closed"

	KindCardIn  = "card_in"
	KindCardOut = "card_out"
)

// Message describes a notification payload. Destination is the agent the
// event concerns.
type Message struct {
	Kind        string    `json:"kind"`
	Destination string    `json:"destination"`
	Body        string    `json:"body"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Fanout sends every message to each notifier in turn and joins their errors.
type Fanout []Notifier

// Send delivers message to all notifiers, even after one fails.
func (f Fanout) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
