package funding

import (
	"context"

	"github.com/google/uuid"
)

// Acquirer represents a connector to an external card processor.
type Acquirer interface {
	AuthorizeCardIn(ctx context.Context, input CardInAuthorization) (AuthorizationDecision, error)
	AuthorizeCardOut(ctx context.Context, input CardOutAuthorization) (AuthorizationDecision, error)
}

// AuthorizationDecision is the acquirer's answer to one card movement.
type AuthorizationDecision struct {
	Reference string
	Status    string
}

// CardInAuthorization carries what the acquirer needs to charge a card.
type CardInAuthorization struct {
	CardNumber string
	Expiry     string
	CVV        string
	Amount     uint64
}

// CardOutAuthorization carries a push-to-card payout.
type CardOutAuthorization struct {
	CardNumber string
	Amount     uint64
}

// StaticAcquirer approves every request with a synthetic reference.
type StaticAcquirer struct{}

// AuthorizeCardIn approves the charge.
func (StaticAcquirer) AuthorizeCardIn(_ context.Context, _ CardInAuthorization) (AuthorizationDecision, error) {
	return AuthorizationDecision{Reference: uuid.NewString(), Status: "approved"}, nil
}

// AuthorizeCardOut approves the payout.
func (StaticAcquirer) AuthorizeCardOut(_ context.Context, _ CardOutAuthorization) (AuthorizationDecision, error) {
	return AuthorizationDecision{Reference: uuid.NewString(), Status: "approved"}, nil
}
