package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
)

type inMemoryLedger struct {
	mu           sync.RWMutex
	balances     map[string]uint64
	suspense     map[string]int64
	transactions map[string]string
	fundingTx    map[string]FundingResult
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and development mode.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		balances:     make(map[string]uint64),
		suspense:     make(map[string]int64),
		transactions: make(map[string]string),
		fundingTx:    make(map[string]FundingResult),
	}
}

func (l *inMemoryLedger) EnsureAccount(_ context.Context, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if code == CardSuspenseAccountCode {
		if _, exists := l.suspense[code]; !exists {
			l.suspense[code] = 0
		}
		return nil
	}
	if _, exists := l.balances[code]; !exists {
		l.balances[code] = 0
	}
	return nil
}

func (l *inMemoryLedger) Balance(_ context.Context, code string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if net, ok := l.suspense[code]; ok {
		if net < 0 {
			return 0, fmt.Errorf("%w: %s holds %d", ErrNegativeBalance, code, net)
		}
		return uint64(net), nil
	}
	balance, exists := l.balances[code]
	if !exists {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

func (l *inMemoryLedger) Transfer(ctx context.Context, fromCode, toCode, kind, clientTxID string, amount uint64) (TransactionResult, error) {
	if amount == 0 {
		return TransactionResult{}, ErrInvalidAmount
	}
	txID, err := l.Post(ctx, Batch{
		Kind:       kind,
		ClientTxID: clientTxID,
		Postings:   []Posting{{From: fromCode, To: toCode, Amount: amount}},
	})
	if err != nil {
		return TransactionResult{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return TransactionResult{
		TransactionID: txID,
		FromBalance:   l.balances[fromCode],
		ToBalance:     l.balances[toCode],
	}, nil
}

func (l *inMemoryLedger) Post(_ context.Context, batch Batch) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := txKey(batch.Kind, batch.ClientTxID)
	if _, exists := l.transactions[key]; exists {
		return key, ErrDuplicateTransaction
	}

	// Stage every posting against a scratch view so a failure leaves the
	// ledger untouched.
	staged := make(map[string]uint64)
	balanceOf := func(code string) (uint64, bool) {
		if b, ok := staged[code]; ok {
			return b, true
		}
		b, ok := l.balances[code]
		return b, ok
	}

	for _, p := range batch.Postings {
		if p.Amount == 0 {
			continue
		}
		from, ok := balanceOf(p.From)
		if !ok {
			return "", ErrAccountNotFound
		}
		if from < p.Amount {
			return "", ErrInsufficientFunds
		}
		staged[p.From] = from - p.Amount

		to, _ := balanceOf(p.To)
		if to > math.MaxUint64-p.Amount {
			return "", ErrInvalidAmount
		}
		staged[p.To] = to + p.Amount
	}

	for code, balance := range staged {
		l.balances[code] = balance
	}
	l.transactions[key] = key
	return key, nil
}

func (l *inMemoryLedger) CardIn(_ context.Context, code, clientTxID string, amount uint64) (FundingResult, error) {
	if amount == 0 || amount > math.MaxInt64 {
		return FundingResult{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := txKey(KindCardIn, clientTxID)
	if res, exists := l.fundingTx[key]; exists {
		return res, ErrDuplicateTransaction
	}
	net, ok := l.suspense[CardSuspenseAccountCode]
	if !ok {
		return FundingResult{}, fmt.Errorf("%w: %s", ErrAccountNotFound, CardSuspenseAccountCode)
	}
	balance := l.balances[code]
	if balance > math.MaxUint64-amount || net < math.MinInt64+int64(amount) {
		return FundingResult{}, ErrInvalidAmount
	}

	l.balances[code] = balance + amount
	l.suspense[CardSuspenseAccountCode] = net - int64(amount)

	res := FundingResult{TransactionID: key, Status: FundingStatusPendingSettlement, Balance: balance + amount}
	l.fundingTx[key] = res
	return res, nil
}

func (l *inMemoryLedger) CardOut(_ context.Context, code, clientTxID string, amount uint64) (FundingResult, error) {
	if amount == 0 || amount > math.MaxInt64 {
		return FundingResult{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := txKey(KindCardOut, clientTxID)
	if res, exists := l.fundingTx[key]; exists {
		return res, ErrDuplicateTransaction
	}
	net, ok := l.suspense[CardSuspenseAccountCode]
	if !ok {
		return FundingResult{}, fmt.Errorf("%w: %s", ErrAccountNotFound, CardSuspenseAccountCode)
	}
	balance, ok := l.balances[code]
	if !ok {
		return FundingResult{}, ErrAccountNotFound
	}
	if balance < amount {
		return FundingResult{}, ErrInsufficientFunds
	}
	if net > math.MaxInt64-int64(amount) {
		return FundingResult{}, ErrInvalidAmount
	}

	l.balances[code] = balance - amount
	l.suspense[CardSuspenseAccountCode] = net + int64(amount)

	res := FundingResult{TransactionID: key, Status: FundingStatusPendingSettlement, Balance: balance - amount}
	l.fundingTx[key] = res
	return res, nil
}
