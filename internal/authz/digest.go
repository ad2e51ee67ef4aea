package authz

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/congo-pay/agentvault/internal/agent"
)

const domainTag = "agentvault/v1"

// Digest is the Keccak-256 hash a caller signs to authorize op on agentID.
// Each part is length-prefixed so distinct parameter lists never collide.
func Digest(op Operation, agentID string, fields ...[]byte) []byte {
	parts := append([][]byte{[]byte(domainTag), []byte(op), []byte(agentID)}, fields...)
	size := 0
	for _, p := range parts {
		size += 2 + len(p)
	}
	buf := make([]byte, 0, size)
	for _, p := range parts {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(p)))
		buf = append(buf, p...)
	}
	return crypto.Keccak256(buf)
}

// Uint64 encodes v as a digest field.
func Uint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// Int64 encodes v as a digest field.
func Int64(v int64) []byte {
	return Uint64(uint64(v))
}

// Address encodes addr as a digest field.
func Address(addr common.Address) []byte {
	return addr.Bytes()
}

// Constraints encodes a full constraint set as a digest field.
func Constraints(c agent.Constraints) []byte {
	buf := Uint64(c.MaxPerTx)
	buf = append(buf, Uint64(c.DailyLimit)...)
	buf = append(buf, Uint64(c.TotalLimit)...)
	return append(buf, Int64(c.ExpiresAt)...)
}

// Update encodes a partial constraint update; absent fields are marked so
// "unset" and "set to zero" sign differently.
func Update(u agent.ConstraintUpdate) []byte {
	var buf []byte
	for _, p := range []*uint64{u.MaxPerTx, u.DailyLimit, u.TotalLimit} {
		if p == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = append(buf, Uint64(*p)...)
	}
	if u.ExpiresAt == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return append(buf, Int64(*u.ExpiresAt)...)
}

// Sign produces a Signature credential over digest.
func Sign(key *ecdsa.PrivateKey, digest []byte) (Signature, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	return Signature(sig), nil
}

// Recover returns the address that produced sig over digest.
func Recover(digest []byte, sig Signature) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes", agent.ErrInvalidCredential, crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", agent.ErrInvalidCredential, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
