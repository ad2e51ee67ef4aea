package authz

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/congo-pay/agentvault/internal/agent"
	"github.com/congo-pay/agentvault/internal/proof"
)

const headerSize = 12

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func mustSign(t *testing.T, key *ecdsa.PrivateKey, digest []byte) Signature {
	t.Helper()
	sig, err := Sign(key, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func testCommitment(b byte) agent.Commitment {
	var c agent.Commitment
	for i := range c {
		c[i] = b
	}
	return c
}

func newFixture(t *testing.T) (owner, delegate *ecdsa.PrivateKey, direct, private agent.Account) {
	t.Helper()
	owner = mustKey(t)
	delegate = mustKey(t)
	delegateAddr := crypto.PubkeyToAddress(delegate.PublicKey)

	direct = agent.Account{
		ID:       agent.IDForDelegate(delegateAddr),
		Identity: agent.DirectIdentity(crypto.PubkeyToAddress(owner.PublicKey)),
		Delegate: delegateAddr,
	}
	identity, err := agent.CommitmentIdentity(testCommitment(0x42))
	if err != nil {
		t.Fatalf("commitment identity: %v", err)
	}
	private = direct
	private.Identity = identity
	return owner, delegate, direct, private
}

func acceptAll() proof.Verifier {
	return proof.VerifierFunc(func(context.Context, []byte, []byte, agent.Commitment) error { return nil })
}

func TestOwnerSignatureAuthorizesDirectOperations(t *testing.T) {
	owner, delegate, direct, _ := newFixture(t)
	gate := NewGate(nil, Config{WitnessHeaderSize: headerSize, CommitmentSize: agent.CommitmentLen})
	ctx := context.Background()

	digest := Digest(OpFreeze, direct.ID)
	err := gate.Authorize(ctx, direct, Request{Op: OpFreeze, Mode: agent.ModeDirect, Digest: digest, Credential: mustSign(t, owner, digest)})
	if err != nil {
		t.Fatalf("expected owner to be authorized, got %v", err)
	}

	err = gate.Authorize(ctx, direct, Request{Op: OpFreeze, Mode: agent.ModeDirect, Digest: digest, Credential: mustSign(t, delegate, digest)})
	if !errors.Is(err, agent.ErrNotOwner) {
		t.Fatalf("expected not owner for delegate signature, got %v", err)
	}

	// A signature over different parameters recovers a different signer.
	other := Digest(OpUnfreeze, direct.ID)
	err = gate.Authorize(ctx, direct, Request{Op: OpFreeze, Mode: agent.ModeDirect, Digest: digest, Credential: mustSign(t, owner, other)})
	if !errors.Is(err, agent.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for mismatched digest, got %v", err)
	}
}

func TestSpendRequiresDelegateInBothModes(t *testing.T) {
	owner, delegate, direct, private := newFixture(t)
	gate := NewGate(acceptAll(), Config{WitnessHeaderSize: headerSize, CommitmentSize: agent.CommitmentLen})
	ctx := context.Background()

	for _, acct := range []agent.Account{direct, private} {
		digest := Digest(OpSpend, acct.ID, Uint64(10))
		if err := gate.Authorize(ctx, acct, Request{Op: OpSpend, Digest: digest, Credential: mustSign(t, delegate, digest)}); err != nil {
			t.Fatalf("%s: expected delegate spend to pass, got %v", acct.Mode(), err)
		}
		err := gate.Authorize(ctx, acct, Request{Op: OpSpend, Digest: digest, Credential: mustSign(t, owner, digest)})
		if !errors.Is(err, agent.ErrNotDelegate) {
			t.Fatalf("%s: expected not delegate, got %v", acct.Mode(), err)
		}
	}
}

func TestModeMismatchIsAlwaysWrongMode(t *testing.T) {
	owner, _, direct, private := newFixture(t)
	gate := NewGate(acceptAll(), Config{WitnessHeaderSize: headerSize, CommitmentSize: agent.CommitmentLen})
	ctx := context.Background()

	witness := proof.BuildWitness(headerSize, nil, testCommitment(0x42))
	err := gate.Authorize(ctx, direct, Request{Op: OpFreeze, Mode: agent.ModeCommitment, Credential: Proof{Witness: witness}})
	if !errors.Is(err, agent.ErrWrongMode) {
		t.Fatalf("expected wrong mode on direct agent, got %v", err)
	}

	digest := Digest(OpFreeze, private.ID)
	err = gate.Authorize(ctx, private, Request{Op: OpFreeze, Mode: agent.ModeDirect, Digest: digest, Credential: mustSign(t, owner, digest)})
	if !errors.Is(err, agent.ErrWrongMode) {
		t.Fatalf("expected wrong mode on private agent, got %v", err)
	}
}

func TestCredentialKindMustMatchMode(t *testing.T) {
	owner, _, direct, private := newFixture(t)
	gate := NewGate(acceptAll(), Config{WitnessHeaderSize: headerSize, CommitmentSize: agent.CommitmentLen})
	ctx := context.Background()

	digest := Digest(OpFreeze, private.ID)
	err := gate.Authorize(ctx, private, Request{Op: OpFreeze, Mode: agent.ModeCommitment, Digest: digest, Credential: mustSign(t, owner, digest)})
	if !errors.Is(err, agent.ErrInvalidCredential) {
		t.Fatalf("expected signature to be refused for commitment op, got %v", err)
	}

	witness := proof.BuildWitness(headerSize, nil, testCommitment(0x42))
	err = gate.Authorize(ctx, direct, Request{Op: OpFreeze, Mode: agent.ModeDirect, Credential: Proof{Witness: witness}})
	if !errors.Is(err, agent.ErrInvalidCredential) {
		t.Fatalf("expected proof to be refused for direct op, got %v", err)
	}

	if err := gate.Authorize(ctx, direct, Request{Op: OpFreeze, Mode: agent.ModeDirect}); !errors.Is(err, agent.ErrInvalidCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
}

func TestProofLocalChecksRunBeforeVerifier(t *testing.T) {
	_, _, _, private := newFixture(t)
	calls := 0
	verifier := proof.VerifierFunc(func(context.Context, []byte, []byte, agent.Commitment) error {
		calls++
		return proof.ErrRejected
	})
	gate := NewGate(verifier, Config{WitnessHeaderSize: headerSize, CommitmentSize: agent.CommitmentLen})
	ctx := context.Background()
	req := func(w []byte) Request {
		return Request{Op: OpFreeze, Mode: agent.ModeCommitment, Credential: Proof{Proof: []byte{1}, Witness: w}}
	}

	short := make([]byte, headerSize+agent.CommitmentLen-1)
	if err := gate.Authorize(ctx, private, req(short)); !errors.Is(err, agent.ErrInvalidProof) {
		t.Fatalf("expected invalid proof for short witness, got %v", err)
	}

	mismatched := proof.BuildWitness(headerSize, nil, testCommitment(0x43))
	if err := gate.Authorize(ctx, private, req(mismatched)); !errors.Is(err, agent.ErrCommitmentMismatch) {
		t.Fatalf("expected commitment mismatch, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("verifier called %d times before local checks passed", calls)
	}

	good := proof.BuildWitness(headerSize, []byte{1, 2, 3}, testCommitment(0x42))
	err := gate.Authorize(ctx, private, req(good))
	if !errors.Is(err, agent.ErrProofRejected) || !errors.Is(err, agent.ErrUnauthorized) {
		t.Fatalf("expected verifier rejection, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one verifier call, got %d", calls)
	}
}

func TestAttestedProofAuthorizesCommitmentOperation(t *testing.T) {
	_, _, _, private := newFixture(t)
	attester := mustKey(t)
	gate := NewGate(proof.NewAttestationVerifier(crypto.PubkeyToAddress(attester.PublicKey)), Config{WitnessHeaderSize: headerSize, CommitmentSize: agent.CommitmentLen})

	witness := proof.BuildWitness(headerSize, nil, testCommitment(0x42))
	attestation, err := proof.Attest(attester, witness)
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	err = gate.Authorize(context.Background(), private, Request{Op: OpClose, Mode: agent.ModeCommitment, Credential: Proof{Proof: attestation, Witness: witness}})
	if err != nil {
		t.Fatalf("expected attested proof to pass, got %v", err)
	}
}

func TestUpdateDigestDistinguishesUnsetFromZero(t *testing.T) {
	zero := uint64(0)
	a := Digest(OpUpdateConstraints, "id", Update(agent.ConstraintUpdate{}))
	b := Digest(OpUpdateConstraints, "id", Update(agent.ConstraintUpdate{MaxPerTx: &zero}))
	if string(a) == string(b) {
		t.Fatal("unset and zero fields must produce different digests")
	}
}
