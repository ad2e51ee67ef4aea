package agent

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// CommitmentLen is the width of an owner commitment hash.
const CommitmentLen = 32

// DefaultNonce is the derivation nonce assigned to new agents.
const DefaultNonce uint8 = 255

// agentNamespace scopes the name-based UUIDs derived from delegate addresses.
var agentNamespace = uuid.MustParse("6f0b8c1e-3a7d-5e42-9c1b-4b2d7f0e9a10")

// Mode selects how owner-privileged operations are authorized.
type Mode uint8

const (
	// ModeDirect records the owner address and authorizes by signature.
	ModeDirect Mode = iota + 1
	// ModeCommitment records only a commitment and authorizes by proof.
	ModeCommitment
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeCommitment:
		return "commitment"
	default:
		return "unknown"
	}
}

// Commitment is the hash standing in for the owner in private mode.
type Commitment [CommitmentLen]byte

// IsZero reports whether every byte of the commitment is zero.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

func (c Commitment) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// ParseCommitment decodes a 0x-prefixed or bare hex commitment.
func ParseCommitment(s string) (Commitment, error) {
	var c Commitment
	b := common.FromHex(s)
	if len(b) != CommitmentLen {
		return c, fmt.Errorf("%w: commitment must be %d bytes", ErrConfig, CommitmentLen)
	}
	copy(c[:], b)
	return c, nil
}

// Identity is the owner identity of an agent: either a direct owner address
// or a commitment. The variant is chosen at construction and cannot change.
type Identity struct {
	mode       Mode
	owner      common.Address
	commitment Commitment
}

// DirectIdentity builds a standard-mode identity owned by addr.
func DirectIdentity(addr common.Address) Identity {
	return Identity{mode: ModeDirect, owner: addr}
}

// CommitmentIdentity builds a private-mode identity. The all-zero commitment
// is reserved and rejected.
func CommitmentIdentity(c Commitment) (Identity, error) {
	if c.IsZero() {
		return Identity{}, ErrInvalidCommitment
	}
	return Identity{mode: ModeCommitment, commitment: c}, nil
}

// Mode returns the identity variant.
func (i Identity) Mode() Mode { return i.mode }

// Owner returns the direct owner address. ok is false in commitment mode.
func (i Identity) Owner() (addr common.Address, ok bool) {
	return i.owner, i.mode == ModeDirect
}

// Commitment returns the owner commitment. ok is false in direct mode.
func (i Identity) Commitment() (c Commitment, ok bool) {
	return i.commitment, i.mode == ModeCommitment
}

// Constraints are the owner-configured caps. A zero cap means unlimited and a
// zero ExpiresAt means the agent never expires.
type Constraints struct {
	MaxPerTx   uint64
	DailyLimit uint64
	TotalLimit uint64
	ExpiresAt  int64
}

// ConstraintUpdate carries the constraint fields to change; nil fields are
// left untouched.
type ConstraintUpdate struct {
	MaxPerTx   *uint64
	DailyLimit *uint64
	TotalLimit *uint64
	ExpiresAt  *int64
}

// Apply returns c with the provided fields replaced. A new cap may sit below
// what the agent has already spent; the counters are kept, so further spends
// fail that cap until the daily reset (DailyLimit) or for good (TotalLimit).
func (u ConstraintUpdate) Apply(c Constraints) Constraints {
	if u.MaxPerTx != nil {
		c.MaxPerTx = *u.MaxPerTx
	}
	if u.DailyLimit != nil {
		c.DailyLimit = *u.DailyLimit
	}
	if u.TotalLimit != nil {
		c.TotalLimit = *u.TotalLimit
	}
	if u.ExpiresAt != nil {
		c.ExpiresAt = *u.ExpiresAt
	}
	return c
}

// Account is the agent record: constraints plus mutable spend and freeze state.
type Account struct {
	ID          string
	Identity    Identity
	Delegate    common.Address
	Constraints Constraints
	Frozen      bool
	TotalSpent  uint64
	DailySpent  uint64
	LastEpoch   int64
	Nonce       uint8
	CreatedAt   int64
}

// Mode is shorthand for a.Identity.Mode().
func (a Account) Mode() Mode { return a.Identity.Mode() }

// Expired reports whether the agent has an expiry that has been reached.
func (a Account) Expired(now int64) bool {
	return a.Constraints.ExpiresAt > 0 && now >= a.Constraints.ExpiresAt
}

// VaultCode is the ledger account holding the agent's spendable balance.
func (a Account) VaultCode() string {
	return "vault:" + derive("vault", a.ID, a.Nonce)
}

// RecordCode is the ledger account holding the record's storage deposit.
func (a Account) RecordCode() string {
	return "record:" + derive("record", a.ID, a.Nonce)
}

// IDForDelegate derives the agent identifier owned by a delegate. Each
// delegate can back at most one agent.
func IDForDelegate(delegate common.Address) string {
	return uuid.NewSHA1(agentNamespace, delegate.Bytes()).String()
}

// AddressCode is the ledger account of an external party.
func AddressCode(addr common.Address) string {
	return "acct:" + addr.Hex()
}

func derive(label, id string, nonce uint8) string {
	h, _ := blake2b.New(20, nil)
	h.Write([]byte(label))
	h.Write([]byte(id))
	h.Write([]byte{nonce})
	return hex.EncodeToString(h.Sum(nil))
}
