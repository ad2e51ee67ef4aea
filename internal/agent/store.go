package agent

import (
	"context"

	"github.com/congo-pay/agentvault/internal/ledger"
)

// Op is the record change carried by a Mutation.
type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

// Mutation is one atomic unit of work: a record change together with the
// ledger postings that move funds for it. Stores apply both or neither.
type Mutation struct {
	Op      Op
	Account Account
	Batch   ledger.Batch
}

// Store persists agent records.
type Store interface {
	Get(ctx context.Context, id string) (Account, error)
	Apply(ctx context.Context, m Mutation) error
}
