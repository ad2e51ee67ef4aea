package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/agentvault/internal/ledger"
)

const uniqueViolation = "23505"

// PostgresStore keeps agent records in PostgreSQL and applies their ledger
// postings in the same database transaction.
type PostgresStore struct {
	db     *pgxpool.Pool
	ledger *ledger.PostgresLedger
}

// NewPostgresStore builds a store sharing db with the Postgres ledger.
func NewPostgresStore(db *pgxpool.Pool, led *ledger.PostgresLedger) *PostgresStore {
	return &PostgresStore{db: db, ledger: led}
}

// Get loads and decodes an agent record.
func (s *PostgresStore) Get(ctx context.Context, id string) (Account, error) {
	agentID, err := uuid.Parse(id)
	if err != nil {
		return Account{}, ErrNotFound
	}
	var rec []byte
	if err := s.db.QueryRow(ctx, `SELECT record FROM agents WHERE id = $1`, agentID).Scan(&rec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return UnmarshalRecord(rec)
}

// Apply writes the record change and the ledger batch in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, m Mutation) error {
	agentID, err := uuid.Parse(m.Account.ID)
	if err != nil {
		return fmt.Errorf("parse agent id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	now := time.Now().UTC()
	switch m.Op {
	case OpInsert:
		_, err := tx.Exec(ctx, `INSERT INTO agents (id, delegate, record, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $4)`, agentID, m.Account.Delegate.Hex(), MarshalRecord(m.Account), now)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrAgentExists
			}
			return err
		}
	case OpUpdate:
		cmd, err := tx.Exec(ctx, `UPDATE agents SET record = $1, updated_at = $2 WHERE id = $3`,
			MarshalRecord(m.Account), now, agentID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrNotFound
		}
	case OpDelete:
		cmd, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1`, agentID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrNotFound
		}
	default:
		return fmt.Errorf("unknown mutation op %d", m.Op)
	}

	if len(m.Batch.Postings) > 0 {
		if _, err := s.ledger.PostTx(ctx, tx, m.Batch); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
