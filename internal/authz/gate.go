// Package authz decides whether a caller may run an operation on an agent.
//
// Ordinary spends are authorized by the delegate's signature in either mode.
// Owner-privileged operations are split by mode: direct agents require the
// owner's signature, commitment agents require a proof of knowledge of the
// committed secret. A credential for one mode never satisfies the other.
package authz

import (
	"bytes"
	"context"
	"fmt"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/proof"
)

// Operation names a vault operation.
type Operation string

const (
	OpCreate            Operation = "create"
	OpDeposit           Operation = "deposit"
	OpSpend             Operation = "spend"
	OpWithdraw          Operation = "withdraw"
	OpFreeze            Operation = "freeze"
	OpUnfreeze          Operation = "unfreeze"
	OpUpdateConstraints Operation = "update_constraints"
	OpClose             Operation = "close"
)

// Credential is either a Signature or a Proof.
type Credential interface {
	credential()
}

// Signature is a 65-byte secp256k1 signature over an operation Digest.
type Signature []byte

// Proof is a zero-knowledge ownership proof and its public witness.
type Proof struct {
	Proof   []byte
	Witness []byte
}

func (Signature) credential() {}
func (Proof) credential()     {}

// Request describes one authorization decision. Mode is the identity mode the
// operation is restricted to; zero means any mode (ordinary spends). Digest
// is required for Signature credentials.
type Request struct {
	Op         Operation
	Mode       agent.Mode
	Digest     []byte
	Credential Credential
}

// Config sizes the witness layout: a fixed header followed by the commitment.
type Config struct {
	WitnessHeaderSize int
	CommitmentSize    int
}

// Gate authorizes requests against agent accounts.
type Gate struct {
	verifier proof.Verifier
	cfg      Config
}

// NewGate builds a gate that forwards proofs to verifier once the local
// witness checks pass.
func NewGate(verifier proof.Verifier, cfg Config) *Gate {
	if verifier == nil {
		verifier = proof.Disabled{}
	}
	return &Gate{verifier: verifier, cfg: cfg}
}

// Authorize returns nil when the request may proceed. Every failure wraps
// agent.ErrUnauthorized.
func (g *Gate) Authorize(ctx context.Context, acct agent.Account, req Request) error {
	if req.Mode != 0 && acct.Mode() != req.Mode {
		return wrongMode(acct.Mode())
	}

	switch cred := req.Credential.(type) {
	case Signature:
		if req.Mode == agent.ModeCommitment {
			return fmt.Errorf("%w: commitment-mode operations require a proof", agent.ErrInvalidCredential)
		}
		return g.checkSignature(acct, req, cred)
	case Proof:
		if req.Mode != agent.ModeCommitment {
			return fmt.Errorf("%w: proofs only authorize commitment-mode operations", agent.ErrInvalidCredential)
		}
		return g.checkProof(ctx, acct, cred)
	default:
		return fmt.Errorf("%w: missing credential", agent.ErrInvalidCredential)
	}
}

func (g *Gate) checkSignature(acct agent.Account, req Request, sig Signature) error {
	signer, err := Recover(req.Digest, sig)
	if err != nil {
		return err
	}
	if req.Op == OpSpend {
		if signer != acct.Delegate {
			return agent.ErrNotDelegate
		}
		return nil
	}
	owner, ok := acct.Identity.Owner()
	if !ok || signer != owner {
		return agent.ErrNotOwner
	}
	return nil
}

// checkProof runs the local witness checks before the external verifier.
func (g *Gate) checkProof(ctx context.Context, acct agent.Account, p Proof) error {
	commitment, ok := acct.Identity.Commitment()
	if !ok {
		return wrongMode(acct.Mode())
	}

	start := g.cfg.WitnessHeaderSize
	end := start + g.cfg.CommitmentSize
	if len(p.Witness) < end {
		return fmt.Errorf("%w: witness is %d bytes, need at least %d", agent.ErrInvalidProof, len(p.Witness), end)
	}
	if !bytes.Equal(p.Witness[start:end], commitment[:]) {
		return agent.ErrCommitmentMismatch
	}

	if err := g.verifier.Verify(ctx, p.Proof, p.Witness, commitment); err != nil {
		return fmt.Errorf("%w: %v", agent.ErrProofRejected, err)
	}
	return nil
}

func wrongMode(actual agent.Mode) error {
	if actual == agent.ModeCommitment {
		return fmt.Errorf("%w: agent is in private mode, use proof operations", agent.ErrWrongMode)
	}
	return fmt.Errorf("%w: agent is not in private mode", agent.ErrWrongMode)
}
