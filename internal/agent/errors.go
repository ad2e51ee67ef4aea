package agent

import (
	"errors"
	"fmt"
)

// Error categories. Every rejection returned by the vault core wraps exactly
// one of these so callers can decide how to react (re-sign, wait for the daily
// reset, top up the vault, ...).
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrState         = errors.New("invalid agent state")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrBalance       = errors.New("insufficient balance")
	ErrArithmetic    = errors.New("arithmetic overflow")
	ErrConfig        = errors.New("invalid configuration")
)

var (
	ErrNotOwner           = fmt.Errorf("%w: not owner", ErrUnauthorized)
	ErrNotDelegate        = fmt.Errorf("%w: not delegate", ErrUnauthorized)
	ErrNotDepositor       = fmt.Errorf("%w: signer does not match depositor", ErrUnauthorized)
	ErrWrongMode          = fmt.Errorf("%w: wrong mode for operation", ErrUnauthorized)
	ErrInvalidCredential  = fmt.Errorf("%w: invalid credential", ErrUnauthorized)
	ErrInvalidProof       = fmt.Errorf("%w: invalid proof", ErrUnauthorized)
	ErrCommitmentMismatch = fmt.Errorf("%w: commitment mismatch in proof witness", ErrUnauthorized)
	ErrProofRejected      = fmt.Errorf("%w: proof verification failed", ErrUnauthorized)

	ErrFrozen  = fmt.Errorf("%w: agent is frozen", ErrState)
	ErrExpired = fmt.Errorf("%w: agent has expired", ErrState)

	ErrExceedsPerTx = fmt.Errorf("%w: amount exceeds per-transaction limit", ErrLimitExceeded)
	ErrExceedsDaily = fmt.Errorf("%w: amount exceeds daily limit", ErrLimitExceeded)
	ErrExceedsTotal = fmt.Errorf("%w: amount exceeds total limit", ErrLimitExceeded)

	ErrInsufficientBalance       = fmt.Errorf("%w: insufficient balance in vault", ErrBalance)
	ErrInsufficientBalanceForFee = fmt.Errorf("%w: insufficient balance for operation fee", ErrBalance)
	// ErrInsufficientPayerBalance is a shortfall in the external account
	// paying into the vault or record, not in the vault itself.
	ErrInsufficientPayerBalance = fmt.Errorf("%w: insufficient balance in payer account", ErrBalance)

	ErrOverflow = fmt.Errorf("%w: counter or sum out of range", ErrArithmetic)

	ErrInvalidCommitment = fmt.Errorf("%w: commitment cannot be all zeros", ErrConfig)
	ErrInvalidRecord     = fmt.Errorf("%w: malformed agent record", ErrConfig)
)

var (
	// ErrNotFound is returned when no agent record exists for an identifier.
	ErrNotFound = errors.New("agent not found")
	// ErrAgentExists is returned when the delegate already has an agent.
	ErrAgentExists = errors.New("agent already exists for delegate")
)

// Limit names one of the spend caps.
type Limit string

const (
	LimitPerTx Limit = "per_tx"
	LimitDaily Limit = "daily"
	LimitTotal Limit = "total"
)

// LimitError reports which cap rejected a spend. Counter overflow while
// evaluating a cap is reported as ErrOverflow instead.
type LimitError struct {
	Limit     Limit
	Cap       uint64
	Attempted uint64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s (limit=%s cap=%d attempted=%d)", e.Unwrap().Error(), e.Limit, e.Cap, e.Attempted)
}

// Unwrap returns the sentinel matching the violated limit.
func (e *LimitError) Unwrap() error {
	switch e.Limit {
	case LimitPerTx:
		return ErrExceedsPerTx
	case LimitDaily:
		return ErrExceedsDaily
	default:
		return ErrExceedsTotal
	}
}
