// Package transfer moves value out of agent vaults. It is the only code path
// that debits a vault, and it commits the ledger postings together with the
// agent record change they belong to.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/ledger"
)

// Order fixes the sequence of the principal and fee postings.
type Order int

const (
	// PrincipalFirst pays the destination, then the fee payer. Used by
	// ordinary spends.
	PrincipalFirst Order = iota + 1
	// FeeFirst pays the relayer, then the destination. Used by every
	// privileged commitment-mode operation.
	FeeFirst
)

// Plan describes one vault outflow and the record change it commits with.
type Plan struct {
	Kind       string
	ClientTxID string
	Order      Order

	// Account is the record state to persist. Its vault is the one debited.
	Account agent.Account
	Op      agent.Op

	Principal   uint64
	Destination string
	Fee         uint64
	FeeTo       string

	// Sweep sends everything left after the fee to Destination; Principal
	// is ignored.
	Sweep bool
	// RefundTo receives the record's storage deposit. Only valid with
	// agent.OpDelete.
	RefundTo string
}

// Receipt reports what a committed plan moved.
type Receipt struct {
	Principal    uint64
	Fee          uint64
	Refund       uint64
	VaultBalance uint64
}

// capability is the authority to debit one agent's vault and record deposit.
// It is derived from the account and never leaves this package.
type capability struct {
	vault  string
	record string
}

func capabilityFor(acct agent.Account) capability {
	return capability{vault: acct.VaultCode(), record: acct.RecordCode()}
}

func (c capability) pay(to string, amount uint64) ledger.Posting {
	return ledger.Posting{From: c.vault, To: to, Amount: amount}
}

func (c capability) release(to string, amount uint64) ledger.Posting {
	return ledger.Posting{From: c.record, To: to, Amount: amount}
}

// Orchestrator executes plans against a ledger and agent store.
type Orchestrator struct {
	ledger ledger.Ledger
	store  agent.Store
}

// New builds an orchestrator. store must post batches to led.
func New(led ledger.Ledger, store agent.Store) *Orchestrator {
	return &Orchestrator{ledger: led, store: store}
}

// Balance returns the spendable balance of acct's vault. A vault that never
// received funds has a zero balance.
func (o *Orchestrator) Balance(ctx context.Context, acct agent.Account) (uint64, error) {
	return o.balance(ctx, capabilityFor(acct).vault)
}

// Open inserts a new agent record and moves its storage deposit from payer
// into the record account, atomically.
func (o *Orchestrator) Open(ctx context.Context, acct agent.Account, payer string, deposit uint64, clientTxID string) error {
	vc := capabilityFor(acct)
	err := o.store.Apply(ctx, agent.Mutation{
		Op:      agent.OpInsert,
		Account: acct,
		Batch: ledger.Batch{
			Kind:       "agent_open",
			ClientTxID: clientTxID,
			Postings:   []ledger.Posting{{From: payer, To: vc.record, Amount: deposit}},
		},
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrAccountNotFound) {
		return fmt.Errorf("%w: payer cannot cover the record deposit", agent.ErrInsufficientPayerBalance)
	}
	return err
}

// Execute checks the vault can cover the plan, then commits every posting and
// the record change as one unit. Nothing is moved or persisted on error.
func (o *Orchestrator) Execute(ctx context.Context, p Plan) (Receipt, error) {
	if p.Order != PrincipalFirst && p.Order != FeeFirst {
		return Receipt{}, fmt.Errorf("transfer: unknown order %d", p.Order)
	}
	if p.RefundTo != "" && p.Op != agent.OpDelete {
		return Receipt{}, errors.New("transfer: refund requires a record delete")
	}

	vc := capabilityFor(p.Account)
	balance, err := o.balance(ctx, vc.vault)
	if err != nil {
		return Receipt{}, err
	}

	principal := p.Principal
	if p.Sweep {
		if balance < p.Fee {
			return Receipt{}, shortfall(0)
		}
		principal = balance - p.Fee
	}

	required := principal + p.Fee
	if required < principal {
		return Receipt{}, agent.ErrOverflow
	}
	if balance < required {
		return Receipt{}, shortfall(principal)
	}

	var postings []ledger.Posting
	switch p.Order {
	case PrincipalFirst:
		postings = append(postings, vc.pay(p.Destination, principal), vc.pay(p.FeeTo, p.Fee))
	case FeeFirst:
		postings = append(postings, vc.pay(p.FeeTo, p.Fee), vc.pay(p.Destination, principal))
	}

	var refund uint64
	if p.RefundTo != "" {
		refund, err = o.balance(ctx, vc.record)
		if err != nil {
			return Receipt{}, err
		}
		postings = append(postings, vc.release(p.RefundTo, refund))
	}

	err = o.store.Apply(ctx, agent.Mutation{
		Op:      p.Op,
		Account: p.Account,
		Batch:   ledger.Batch{Kind: p.Kind, ClientTxID: p.ClientTxID, Postings: postings},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return Receipt{}, shortfall(principal)
		}
		return Receipt{}, err
	}

	return Receipt{Principal: principal, Fee: p.Fee, Refund: refund, VaultBalance: balance - required}, nil
}

func (o *Orchestrator) balance(ctx context.Context, code string) (uint64, error) {
	b, err := o.ledger.Balance(ctx, code)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0, nil
	}
	return b, err
}

// shortfall picks the balance error: operations that move no principal can
// only be short of their fee.
func shortfall(principal uint64) error {
	if principal == 0 {
		return agent.ErrInsufficientBalanceForFee
	}
	return agent.ErrInsufficientBalance
}
