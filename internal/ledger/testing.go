package ledger

// SeedBalance is a test helper that seeds the balance for an account when using the in-memory ledger.
func SeedBalance(l Ledger, code string, amount uint64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.balances[code] = amount
	}
}

// Total sums every non-suspense balance held by an in-memory ledger. Postings
// never create or destroy value, so the total is constant across transfers;
// only card movements change it, mirrored by the suspense account.
func Total(l Ledger) uint64 {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return 0
	}
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var total uint64
	for _, b := range mem.balances {
		total += b
	}
	return total
}

// SuspenseNet returns the signed balance of the card suspense account of an
// in-memory ledger. It is minus the value carded in, plus the value carded out.
func SuspenseNet(l Ledger) int64 {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return 0
	}
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	return mem.suspense[CardSuspenseAccountCode]
}
