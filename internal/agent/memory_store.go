package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/congo-pay/agentvault/internal/ledger"
)

type memoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	ledger  ledger.Ledger
}

// NewMemoryStore builds an in-memory store whose postings go to led. Records
// are kept in their encoded form so every read decodes a private copy.
func NewMemoryStore(led ledger.Ledger) Store {
	return &memoryStore{records: make(map[string][]byte), ledger: led}
}

func (s *memoryStore) Get(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return UnmarshalRecord(rec)
}

func (s *memoryStore) Apply(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.records[m.Account.ID]
	switch m.Op {
	case OpInsert:
		if exists {
			return ErrAgentExists
		}
	case OpUpdate, OpDelete:
		if !exists {
			return ErrNotFound
		}
	default:
		return fmt.Errorf("unknown mutation op %d", m.Op)
	}

	// The ledger batch is atomic on its own; the record write below cannot
	// fail once the checks above passed.
	if len(m.Batch.Postings) > 0 {
		if _, err := s.ledger.Post(ctx, m.Batch); err != nil {
			return err
		}
	}

	if m.Op == OpDelete {
		delete(s.records, m.Account.ID)
		return nil
	}
	s.records[m.Account.ID] = MarshalRecord(m.Account)
	return nil
}
