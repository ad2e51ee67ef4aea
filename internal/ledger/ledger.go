package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientFunds occurs when the source account lacks available balance
	// to cover a requested posting.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the provided client transaction identifier
	// already exists and therefore the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAccountNotFound is returned when reading or debiting an unknown account.
	ErrAccountNotFound = errors.New("ledger account not found")

	// ErrInvalidAmount rejects amounts the backend cannot represent.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNegativeBalance is returned when reading a suspense account that
	// holds more funded value than it has received.
	ErrNegativeBalance = errors.New("account has a negative balance")
)

const (
	// StatusCompleted represents a settled transaction.
	StatusCompleted = "completed"
	// FundingStatusPendingSettlement marks a card movement awaiting settlement with the acquirer.
	FundingStatusPendingSettlement = "pending_settlement"
	// CardSuspenseAccountCode parks card movements until settlement. It is the
	// only account allowed to go negative: card-ins debit it, card-outs credit it.
	CardSuspenseAccountCode = "suspense:card"

	KindCardIn  = "card_in"
	KindCardOut = "card_out"
)

// FundingResult captures the outcome of a card movement.
type FundingResult struct {
	TransactionID string
	Status        string
	Balance       uint64
}

// TransactionResult captures the outcome of a single ledger transfer.
type TransactionResult struct {
	TransactionID string
	FromBalance   uint64
	ToBalance     uint64
}

// Posting moves Amount from one account to another. Postings with a zero
// amount are skipped.
type Posting struct {
	From   string
	To     string
	Amount uint64
}

// Batch is an ordered group of postings applied as one transaction: either
// every posting is recorded or none is. Postings are evaluated in order, so a
// later posting sees the balances left by earlier ones.
type Batch struct {
	Kind       string
	ClientTxID string
	Postings   []Posting
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
// Credited accounts are created on demand; debited accounts must exist.
type Ledger interface {
	EnsureAccount(ctx context.Context, code string) error
	Balance(ctx context.Context, code string) (uint64, error)
	Transfer(ctx context.Context, fromCode, toCode, kind, clientTxID string, amount uint64) (TransactionResult, error)
	Post(ctx context.Context, batch Batch) (string, error)
	// CardIn credits code from the card suspense account, which must exist.
	CardIn(ctx context.Context, code, clientTxID string, amount uint64) (FundingResult, error)
	// CardOut debits code into the card suspense account.
	CardOut(ctx context.Context, code, clientTxID string, amount uint64) (FundingResult, error)
}

func txKey(kind, clientTxID string) string {
	return kind + ":" + clientTxID
}
