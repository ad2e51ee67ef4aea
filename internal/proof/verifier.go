package proof

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/congo-pay/agentvault/internal/agent"
)

var (
	// ErrRejected is returned when a proof does not verify.
	ErrRejected = errors.New("proof rejected")
	// ErrNotConfigured is returned by Disabled for every proof.
	ErrNotConfigured = errors.New("proof verifier not configured")
)

// Verifier validates an ownership proof against the expected commitment.
// Callers run the cheap witness layout checks before calling Verify.
type Verifier interface {
	Verify(ctx context.Context, proof, witness []byte, commitment agent.Commitment) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, proof, witness []byte, commitment agent.Commitment) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, proof, witness []byte, commitment agent.Commitment) error {
	return f(ctx, proof, witness, commitment)
}

// Disabled rejects every proof. It backs deployments without an attester.
type Disabled struct{}

// Verify always fails with ErrNotConfigured.
func (Disabled) Verify(context.Context, []byte, []byte, agent.Commitment) error {
	return ErrNotConfigured
}

// AttestationVerifier accepts proofs that were checked off-chain by a trusted
// attester: the proof bytes are the attester's secp256k1 signature over
// keccak256(witness). Nothing else is signed. The operation, agent, fee
// recipient and the commitment argument are not covered, so an attestation
// is a bearer credential: whoever holds a (proof, witness) pair can replay it
// for any privileged operation on any agent whose commitment the witness
// carries. Attesters that need single use must put a nonce or operation tag
// in the witness public inputs and track it themselves.
type AttestationVerifier struct {
	attester common.Address
}

// NewAttestationVerifier trusts signatures from attester.
func NewAttestationVerifier(attester common.Address) *AttestationVerifier {
	return &AttestationVerifier{attester: attester}
}

// Verify recovers the signer of the witness hash and compares it to the attester.
func (v *AttestationVerifier) Verify(_ context.Context, proof, witness []byte, _ agent.Commitment) error {
	if len(proof) != crypto.SignatureLength {
		return fmt.Errorf("%w: attestation must be %d bytes, got %d", ErrRejected, crypto.SignatureLength, len(proof))
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(witness), proof)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if crypto.PubkeyToAddress(*pub) != v.attester {
		return fmt.Errorf("%w: unexpected attester", ErrRejected)
	}
	return nil
}

// Attest signs witness as the attester. Used by relayers and tests.
func Attest(key *ecdsa.PrivateKey, witness []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(witness), key)
}

// BuildWitness lays out a witness: a headerSize-byte header followed by the
// commitment and any public inputs.
func BuildWitness(headerSize int, header []byte, commitment agent.Commitment, inputs ...[]byte) []byte {
	witness := make([]byte, headerSize, headerSize+agent.CommitmentLen)
	copy(witness, header)
	witness = append(witness, commitment[:]...)
	for _, in := range inputs {
		witness = append(witness, in...)
	}
	return witness
}
