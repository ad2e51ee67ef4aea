package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger persists ledger entries in PostgreSQL ensuring double-entry balance.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureAccount guarantees an account exists for the provided code.
func (l *PostgresLedger) EnsureAccount(ctx context.Context, code string) error {
	_, err := l.db.Exec(ctx, `INSERT INTO accounts (id, code) VALUES ($1, $2)
        ON CONFLICT (code) DO NOTHING`, uuid.New(), code)
	return err
}

// Balance returns the summed balance for the specified account code.
func (l *PostgresLedger) Balance(ctx context.Context, code string) (uint64, error) {
	const query = `
        SELECT a.id, COALESCE(SUM(e.amount), 0)
        FROM accounts a
        LEFT JOIN entries e ON e.account_id = a.id
        WHERE a.code = $1
        GROUP BY a.id`
	var (
		id      uuid.UUID
		balance int64
	)
	if err := l.db.QueryRow(ctx, query, code).Scan(&id, &balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	if balance < 0 {
		return 0, fmt.Errorf("%w: %s holds %d", ErrNegativeBalance, code, balance)
	}
	return uint64(balance), nil
}

// Transfer records a single balanced posting between two accounts.
func (l *PostgresLedger) Transfer(ctx context.Context, fromCode, toCode, kind, clientTxID string, amount uint64) (TransactionResult, error) {
	if amount == 0 {
		return TransactionResult{}, ErrInvalidAmount
	}
	txID, err := l.Post(ctx, Batch{
		Kind:       kind,
		ClientTxID: clientTxID,
		Postings:   []Posting{{From: fromCode, To: toCode, Amount: amount}},
	})
	if err != nil && !errors.Is(err, ErrDuplicateTransaction) {
		return TransactionResult{}, err
	}

	fromBal, balErr := l.Balance(ctx, fromCode)
	if balErr != nil {
		return TransactionResult{}, balErr
	}
	toBal, balErr := l.Balance(ctx, toCode)
	if balErr != nil {
		return TransactionResult{}, balErr
	}
	return TransactionResult{TransactionID: txID, FromBalance: fromBal, ToBalance: toBal}, err
}

// Post applies the batch in its own database transaction.
func (l *PostgresLedger) Post(ctx context.Context, batch Batch) (string, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	txID, err := l.PostTx(ctx, tx, batch)
	if err != nil {
		return txID, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return txID, nil
}

// PostTx records the batch inside a caller-owned transaction so other writes
// can commit or roll back together with the postings.
func (l *PostgresLedger) PostTx(ctx context.Context, tx pgx.Tx, batch Batch) (string, error) {
	const existingTxQuery = `SELECT id FROM transactions WHERE client_tx_id = $1 AND kind = $2`
	var existingTxID uuid.UUID
	if err := tx.QueryRow(ctx, existingTxQuery, batch.ClientTxID, batch.Kind).Scan(&existingTxID); err == nil {
		return existingTxID.String(), ErrDuplicateTransaction
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	txID := uuid.New()
	if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, client_tx_id, kind, status) VALUES ($1, $2, $3, $4)`,
		txID, batch.ClientTxID, batch.Kind, StatusCompleted); err != nil {
		return "", err
	}

	for _, p := range batch.Postings {
		if p.Amount == 0 {
			continue
		}
		if p.Amount > math.MaxInt64 {
			return "", ErrInvalidAmount
		}
		amount := int64(p.Amount)

		fromID, err := accountIDForCode(ctx, tx, p.From)
		if err != nil {
			return "", err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO accounts (id, code) VALUES ($1, $2)
            ON CONFLICT (code) DO NOTHING`, uuid.New(), p.To); err != nil {
			return "", err
		}
		toID, err := accountIDForCode(ctx, tx, p.To)
		if err != nil {
			return "", err
		}

		fromBalance, err := balanceForAccount(ctx, tx, fromID)
		if err != nil {
			return "", err
		}
		if fromBalance < amount {
			return "", ErrInsufficientFunds
		}

		if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`, uuid.New(), txID, fromID, -amount); err != nil {
			return "", err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`, uuid.New(), txID, toID, amount); err != nil {
			return "", err
		}
	}

	return txID.String(), nil
}

// CardIn credits code from the card suspense account and holds the movement
// in suspense until settlement.
func (l *PostgresLedger) CardIn(ctx context.Context, code, clientTxID string, amount uint64) (FundingResult, error) {
	return l.card(ctx, KindCardIn, code, clientTxID, amount)
}

// CardOut debits code into the card suspense account.
func (l *PostgresLedger) CardOut(ctx context.Context, code, clientTxID string, amount uint64) (FundingResult, error) {
	return l.card(ctx, KindCardOut, code, clientTxID, amount)
}

func (l *PostgresLedger) card(ctx context.Context, kind, code, clientTxID string, amount uint64) (FundingResult, error) {
	if amount == 0 || amount > math.MaxInt64 {
		return FundingResult{}, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return FundingResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if kind == KindCardIn {
		if _, err := tx.Exec(ctx, `INSERT INTO accounts (id, code) VALUES ($1, $2)
            ON CONFLICT (code) DO NOTHING`, uuid.New(), code); err != nil {
			return FundingResult{}, err
		}
	}
	accountID, err := accountIDForCode(ctx, tx, code)
	if err != nil {
		return FundingResult{}, err
	}
	suspenseID, err := accountIDForCode(ctx, tx, CardSuspenseAccountCode)
	if err != nil {
		return FundingResult{}, err
	}

	const existingQuery = `SELECT id, status FROM transactions WHERE client_tx_id = $1 AND kind = $2`
	var existingTxID uuid.UUID
	var existingStatus string
	if err := tx.QueryRow(ctx, existingQuery, clientTxID, kind).Scan(&existingTxID, &existingStatus); err == nil {
		balance, balErr := balanceForAccount(ctx, tx, accountID)
		if balErr != nil {
			return FundingResult{}, balErr
		}
		return FundingResult{TransactionID: existingTxID.String(), Status: existingStatus, Balance: uint64(balance)}, ErrDuplicateTransaction
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return FundingResult{}, err
	}

	delta := int64(amount)
	if kind == KindCardOut {
		balance, err := balanceForAccount(ctx, tx, accountID)
		if err != nil {
			return FundingResult{}, err
		}
		if balance < delta {
			return FundingResult{}, ErrInsufficientFunds
		}
		delta = -delta
	}

	txID := uuid.New()
	if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, client_tx_id, kind, status) VALUES ($1, $2, $3, $4)`,
		txID, clientTxID, kind, FundingStatusPendingSettlement); err != nil {
		return FundingResult{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`, uuid.New(), txID, accountID, delta); err != nil {
		return FundingResult{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`, uuid.New(), txID, suspenseID, -delta); err != nil {
		return FundingResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FundingResult{}, err
	}

	balance, err := l.Balance(ctx, code)
	if err != nil {
		return FundingResult{}, err
	}
	return FundingResult{TransactionID: txID.String(), Status: FundingStatusPendingSettlement, Balance: balance}, nil
}

func accountIDForCode(ctx context.Context, tx pgx.Tx, code string) (uuid.UUID, error) {
	const query = `SELECT id FROM accounts WHERE code = $1 FOR UPDATE`
	var id uuid.UUID
	if err := tx.QueryRow(ctx, query, code).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrAccountNotFound, code)
		}
		return uuid.Nil, err
	}
	return id, nil
}

func balanceForAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = $1`
	var balance int64
	if err := tx.QueryRow(ctx, query, accountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}
