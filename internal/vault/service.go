// Package vault exposes the agent operations: creation, deposits, delegate
// spends and the owner-privileged operations in both identity modes.
//
// The service assumes the caller serializes operations per agent (see
// package serial); it takes no locks of its own.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/authz"
	"github.com/congo-pay/agentvault/internal/ledger"
	"github.com/congo-pay/agentvault/internal/limits"
	"github.com/congo-pay/agentvault/internal/logging"
	"github.com/congo-pay/agentvault/internal/notification"
	"github.com/congo-pay/agentvault/internal/transfer"
)

// ErrInvalidAmount rejects zero-value spends, withdrawals and deposits.
var ErrInvalidAmount = errors.New("amount must be positive")

// Fees are the amounts the service charges. They come from configuration.
type Fees struct {
	// OrdinarySpend reimburses the fee payer of a delegate spend.
	OrdinarySpend uint64
	// PrivilegedOperation pays the relayer of a proof-authorized operation.
	PrivilegedOperation uint64
	// RecordDeposit is the storage cost of one agent record.
	RecordDeposit uint64
}

// Service runs agent operations against a store and ledger.
type Service struct {
	store     agent.Store
	ledger    ledger.Ledger
	gate      *authz.Gate
	limiter   limits.Limiter
	transfers *transfer.Orchestrator
	fees      Fees
	notifier  notification.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock. Tests use it to cross day boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier sets the destination for committed-operation events.
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService builds a Service. store must post its batches to led.
func NewService(store agent.Store, led ledger.Ledger, gate *authz.Gate, limiter limits.Limiter, fees Fees, opts ...Option) *Service {
	s := &Service{
		store:     store,
		ledger:    led,
		gate:      gate,
		limiter:   limiter,
		transfers: transfer.New(led, store),
		fees:      fees,
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result describes a committed operation.
type Result struct {
	Account      agent.Account
	Principal    uint64
	Fee          uint64
	Refund       uint64
	VaultBalance uint64
	CompletedAt  time.Time
}

// View is the read model of one agent.
type View struct {
	Account agent.Account
	Balance uint64
}

// CreateInput describes a direct-mode agent. Owner signs the create digest
// and funds the record deposit.
type CreateInput struct {
	Owner       common.Address
	Delegate    common.Address
	Constraints agent.Constraints
	Signature   authz.Signature
}

// CreatePrivateInput describes a commitment-mode agent. Payer signs the
// create digest, funds the record deposit and recovers it on close.
type CreatePrivateInput struct {
	Commitment  agent.Commitment
	Delegate    common.Address
	Constraints agent.Constraints
	Payer       common.Address
	Signature   authz.Signature
}

// CreateDigest is the digest the owner signs for CreateAgent.
func CreateDigest(in CreateInput) []byte {
	id := agent.IDForDelegate(in.Delegate)
	return authz.Digest(authz.OpCreate, id, authz.Address(in.Owner), authz.Address(in.Delegate), authz.Constraints(in.Constraints))
}

// CreatePrivateDigest is the digest the payer signs for CreateAgentPrivate.
func CreatePrivateDigest(in CreatePrivateInput) []byte {
	id := agent.IDForDelegate(in.Delegate)
	return authz.Digest(authz.OpCreate, id, in.Commitment[:], authz.Address(in.Delegate), authz.Constraints(in.Constraints), authz.Address(in.Payer))
}

// CreateAgent creates a direct-mode agent.
func (s *Service) CreateAgent(ctx context.Context, in CreateInput) (agent.Account, error) {
	acct := s.newAccount(agent.DirectIdentity(in.Owner), in.Delegate, in.Constraints)
	err := s.gate.Authorize(ctx, acct, authz.Request{
		Op:         authz.OpCreate,
		Mode:       agent.ModeDirect,
		Digest:     CreateDigest(in),
		Credential: in.Signature,
	})
	if err != nil {
		return agent.Account{}, s.reject(acct.ID, authz.OpCreate, err)
	}
	return s.open(ctx, acct, in.Owner)
}

// CreateAgentPrivate creates a commitment-mode agent. The all-zero
// commitment is rejected.
func (s *Service) CreateAgentPrivate(ctx context.Context, in CreatePrivateInput) (agent.Account, error) {
	identity, err := agent.CommitmentIdentity(in.Commitment)
	if err != nil {
		return agent.Account{}, s.reject(agent.IDForDelegate(in.Delegate), authz.OpCreate, err)
	}
	acct := s.newAccount(identity, in.Delegate, in.Constraints)

	signer, err := authz.Recover(CreatePrivateDigest(in), in.Signature)
	if err != nil {
		return agent.Account{}, s.reject(acct.ID, authz.OpCreate, err)
	}
	if signer != in.Payer {
		return agent.Account{}, s.reject(acct.ID, authz.OpCreate, fmt.Errorf("%w: signer is not the payer", agent.ErrUnauthorized))
	}
	return s.open(ctx, acct, in.Payer)
}

func (s *Service) newAccount(identity agent.Identity, delegate common.Address, c agent.Constraints) agent.Account {
	now := s.now().Unix()
	return agent.Account{
		ID:          agent.IDForDelegate(delegate),
		Identity:    identity,
		Delegate:    delegate,
		Constraints: c,
		LastEpoch:   s.limiter.Epoch(now),
		Nonce:       agent.DefaultNonce,
		CreatedAt:   now,
	}
}

func (s *Service) open(ctx context.Context, acct agent.Account, payer common.Address) (agent.Account, error) {
	if err := s.transfers.Open(ctx, acct, agent.AddressCode(payer), s.fees.RecordDeposit, uuid.NewString()); err != nil {
		return agent.Account{}, s.reject(acct.ID, authz.OpCreate, err)
	}
	s.logger.Info("agent created",
		slog.String("agent_id", acct.ID),
		slog.String("mode", acct.Mode().String()),
		slog.String("delegate", acct.Delegate.Hex()),
	)
	s.emit(ctx, notification.KindAgentCreated, acct.ID, fmt.Sprintf("%s agent created for delegate %s", acct.Mode(), acct.Delegate.Hex()))
	return acct, nil
}

// DepositInput moves funds from Depositor into the agent's vault.
type DepositInput struct {
	AgentID   string
	Depositor common.Address
	Amount    uint64
	Signature authz.Signature
}

// DepositDigest is the digest the depositor signs.
func DepositDigest(in DepositInput) []byte {
	return authz.Digest(authz.OpDeposit, in.AgentID, authz.Address(in.Depositor), authz.Uint64(in.Amount))
}

// Deposit credits the vault. Anyone may deposit into an existing agent in
// any state.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (Result, error) {
	if in.Amount == 0 {
		return Result{}, ErrInvalidAmount
	}
	acct, err := s.store.Get(ctx, in.AgentID)
	if err != nil {
		return Result{}, err
	}
	signer, err := authz.Recover(DepositDigest(in), in.Signature)
	if err != nil {
		return Result{}, s.reject(acct.ID, authz.OpDeposit, err)
	}
	if signer != in.Depositor {
		return Result{}, s.reject(acct.ID, authz.OpDeposit, agent.ErrNotDepositor)
	}

	res, err := s.ledger.Transfer(ctx, agent.AddressCode(in.Depositor), acct.VaultCode(), "agent_deposit", uuid.NewString(), in.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrAccountNotFound) {
			err = fmt.Errorf("%w: depositor cannot cover %d", agent.ErrInsufficientPayerBalance, in.Amount)
		}
		return Result{}, s.reject(acct.ID, authz.OpDeposit, err)
	}

	s.committed(acct.ID, authz.OpDeposit, slog.Uint64("amount", in.Amount))
	s.emit(ctx, notification.KindAgentDeposit, acct.ID, fmt.Sprintf("deposited %d from %s", in.Amount, in.Depositor.Hex()))
	return Result{Account: acct, Principal: in.Amount, VaultBalance: res.ToBalance, CompletedAt: s.now().UTC()}, nil
}

// Get returns the agent record and its vault balance.
func (s *Service) Get(ctx context.Context, agentID string) (View, error) {
	acct, err := s.store.Get(ctx, agentID)
	if err != nil {
		return View{}, err
	}
	balance, err := s.transfers.Balance(ctx, acct)
	if err != nil {
		return View{}, err
	}
	return View{Account: acct, Balance: balance}, nil
}

// execute commits plan and reports the outcome.
func (s *Service) execute(ctx context.Context, op authz.Operation, plan transfer.Plan) (Result, error) {
	plan.ClientTxID = uuid.NewString()
	receipt, err := s.transfers.Execute(ctx, plan)
	if err != nil {
		return Result{}, s.reject(plan.Account.ID, op, err)
	}
	s.committed(plan.Account.ID, op,
		slog.String("kind", plan.Kind),
		slog.Uint64("principal", receipt.Principal),
		slog.Uint64("fee", receipt.Fee),
		slog.Uint64("vault_balance", receipt.VaultBalance),
	)
	return Result{
		Account:      plan.Account,
		Principal:    receipt.Principal,
		Fee:          receipt.Fee,
		Refund:       receipt.Refund,
		VaultBalance: receipt.VaultBalance,
		CompletedAt:  s.now().UTC(),
	}, nil
}

func (s *Service) committed(agentID string, op authz.Operation, attrs ...any) {
	args := append([]any{slog.String("agent_id", agentID), slog.String("operation", string(op))}, attrs...)
	s.logger.Info("agent operation committed", args...)
}

func (s *Service) reject(agentID string, op authz.Operation, err error) error {
	s.logger.Debug("agent operation rejected",
		slog.String("agent_id", agentID),
		slog.String("operation", string(op)),
		slog.String("category", Category(err)),
		slog.Any("error", err),
	)
	return err
}

func (s *Service) emit(ctx context.Context, kind, agentID, body string) {
	if s.notifier == nil {
		return
	}
	msg := notification.Message{Kind: kind, Destination: agentID, Body: body, OccurredAt: s.now().UTC()}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", slog.String("kind", kind), slog.String("agent_id", agentID), slog.Any("error", err))
	}
}

// Category names the error class callers react to.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, agent.ErrUnauthorized):
		return "authorization"
	case errors.Is(err, agent.ErrState):
		return "state"
	case errors.Is(err, agent.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, agent.ErrBalance):
		return "balance"
	case errors.Is(err, agent.ErrArithmetic):
		return "arithmetic"
	case errors.Is(err, agent.ErrConfig):
		return "config"
	case errors.Is(err, agent.ErrNotFound):
		return "not_found"
	case errors.Is(err, agent.ErrAgentExists):
		return "conflict"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_request"
	default:
		return "internal"
	}
}
