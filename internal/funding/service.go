// Package funding moves value between payment cards and the ledger accounts
// of external addresses. It is how owners and depositors obtain the balance
// they later pay into agent vaults.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/authz"
	"github.com/congo-pay/agentvault/internal/ledger"
	"github.com/congo-pay/agentvault/internal/logging"
	"github.com/congo-pay/agentvault/internal/notification"
)

// OpCardOut is the operation an address holder signs to pay out to a card.
const OpCardOut authz.Operation = "card_out"

var (
	// ErrInvalidAmount rejects zero-value card movements.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidCard rejects malformed card numbers.
	ErrInvalidCard = errors.New("invalid card number")
	// ErrDeclined is returned when the acquirer refuses a movement.
	ErrDeclined = errors.New("declined by acquirer")
	// ErrNotHolder is returned when a card-out is not signed by the address it debits.
	ErrNotHolder = fmt.Errorf("%w: signer does not hold the account", agent.ErrUnauthorized)
)

// Service coordinates card top-ups and payouts through the ledger and acquirer.
type Service struct {
	ledger   ledger.Ledger
	acquirer Acquirer
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithNotifier sets the destination for card movement events.
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService prepares a funding service ensuring the card suspense account exists.
func NewService(ctx context.Context, led ledger.Ledger, acquirer Acquirer, opts ...Option) (*Service, error) {
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	if acquirer == nil {
		acquirer = StaticAcquirer{}
	}
	if err := led.EnsureAccount(ctx, ledger.CardSuspenseAccountCode); err != nil {
		return nil, fmt.Errorf("ensure suspense account: %w", err)
	}
	s := &Service{ledger: led, acquirer: acquirer, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CardInInput captures a card top-up of an address account.
type CardInInput struct {
	Address    common.Address
	Amount     uint64
	ClientTxID string
	CardNumber string
	Expiry     string
	CVV        string
}

// CardOutInput captures a payout from an address account to a card.
type CardOutInput struct {
	Address    common.Address
	Amount     uint64
	ClientTxID string
	CardNumber string
	Signature  authz.Signature
}

// Result is the outcome of a card movement.
type Result struct {
	TransactionID     string
	Status            string
	Balance           uint64
	AcquirerReference string
	CompletedAt       time.Time
}

// CardOutDigest is what the address holder signs to authorize a payout.
// The client transaction id is bound so a signature cannot fund a second payout.
func CardOutDigest(addr common.Address, amount uint64, clientTxID string) []byte {
	return authz.Digest(OpCardOut, addr.Hex(), authz.Uint64(amount), []byte(clientTxID))
}

// CardIn authorizes the charge and credits the address account. A repeated
// client transaction id returns the stored result with ErrDuplicateTransaction.
func (s *Service) CardIn(ctx context.Context, in CardInInput) (Result, error) {
	if err := validateCardNumber(in.CardNumber); err != nil {
		return Result{}, err
	}
	if in.Amount == 0 {
		return Result{}, ErrInvalidAmount
	}
	if in.ClientTxID == "" {
		in.ClientTxID = uuid.NewString()
	}

	code := agent.AddressCode(in.Address)
	if err := s.ledger.EnsureAccount(ctx, code); err != nil {
		return Result{}, err
	}

	decision, err := s.acquirer.AuthorizeCardIn(ctx, CardInAuthorization{
		CardNumber: in.CardNumber,
		Expiry:     in.Expiry,
		CVV:        in.CVV,
		Amount:     in.Amount,
	})
	if err != nil {
		return Result{}, err
	}
	if decision.Status != "approved" {
		return Result{}, fmt.Errorf("%w: %s", ErrDeclined, decision.Status)
	}

	res, err := s.ledger.CardIn(ctx, code, in.ClientTxID, in.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return s.result(res, decision), err
		}
		return Result{}, err
	}
	s.emit(ctx, notification.KindCardIn, in.Address, in.Amount)
	return s.result(res, decision), nil
}

// CardOut pays out from the address account after checking the holder's signature.
func (s *Service) CardOut(ctx context.Context, in CardOutInput) (Result, error) {
	if err := validateCardNumber(in.CardNumber); err != nil {
		return Result{}, err
	}
	if in.Amount == 0 {
		return Result{}, ErrInvalidAmount
	}
	if in.ClientTxID == "" {
		return Result{}, fmt.Errorf("%w: client_tx_id is required for a signed payout", agent.ErrInvalidCredential)
	}
	signer, err := authz.Recover(CardOutDigest(in.Address, in.Amount, in.ClientTxID), in.Signature)
	if err != nil {
		return Result{}, err
	}
	if signer != in.Address {
		return Result{}, ErrNotHolder
	}

	decision, err := s.acquirer.AuthorizeCardOut(ctx, CardOutAuthorization{
		CardNumber: in.CardNumber,
		Amount:     in.Amount,
	})
	if err != nil {
		return Result{}, err
	}
	if decision.Status != "approved" {
		return Result{}, fmt.Errorf("%w: %s", ErrDeclined, decision.Status)
	}

	res, err := s.ledger.CardOut(ctx, agent.AddressCode(in.Address), in.ClientTxID, in.Amount)
	switch {
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return s.result(res, decision), err
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountNotFound):
		return Result{}, fmt.Errorf("%w: cannot pay out %d", agent.ErrInsufficientPayerBalance, in.Amount)
	case err != nil:
		return Result{}, err
	}
	s.emit(ctx, notification.KindCardOut, in.Address, in.Amount)
	return s.result(res, decision), nil
}

// Balance returns the ledger balance of an address account.
func (s *Service) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	return s.ledger.Balance(ctx, agent.AddressCode(addr))
}

func (s *Service) result(res ledger.FundingResult, decision AuthorizationDecision) Result {
	return Result{
		TransactionID:     res.TransactionID,
		Status:            res.Status,
		Balance:           res.Balance,
		AcquirerReference: decision.Reference,
		CompletedAt:       s.now().UTC(),
	}
}

func (s *Service) emit(ctx context.Context, kind string, addr common.Address, amount uint64) {
	if s.notifier == nil {
		return
	}
	msg := notification.Message{Kind: kind, Destination: addr.Hex(), Body: fmt.Sprintf("amount=%d", amount), OccurredAt: s.now().UTC()}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", slog.String("kind", kind), slog.String("address", addr.Hex()), slog.Any("error", err))
	}
}

func validateCardNumber(card string) error {
	digits := strings.ReplaceAll(card, " ", "")
	if len(digits) < 12 || len(digits) > 19 {
		return fmt.Errorf("%w: must be between 12 and 19 digits", ErrInvalidCard)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: must be numeric", ErrInvalidCard)
		}
	}
	return nil
}
