package agent

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RecordSize is the length of an encoded agent record.
//
//	8 discriminator + 1 owner tag + 20 owner + 32 commitment + 20 delegate
//	+ 3*8 caps + 8 expiry + 1 frozen + 2*8 counters + 8 epoch + 1 nonce + 8 created
const RecordSize = 8 + 1 + common.AddressLength + CommitmentLen + common.AddressLength +
	8*3 + 8 + 1 + 8*2 + 8 + 1 + 8

var recordDiscriminator = [8]byte{'a', 'g', 'e', 'n', 't', 'v', '0', '1'}

// MarshalRecord encodes the account into its fixed little-endian layout. The
// identifier is not stored; it is derived from the delegate on decode.
func MarshalRecord(a Account) []byte {
	buf := make([]byte, RecordSize)
	off := copy(buf, recordDiscriminator[:])

	if owner, ok := a.Identity.Owner(); ok {
		buf[off] = 1
		copy(buf[off+1:], owner.Bytes())
	}
	off += 1 + common.AddressLength

	if c, ok := a.Identity.Commitment(); ok {
		copy(buf[off:], c[:])
	}
	off += CommitmentLen

	off += copy(buf[off:], a.Delegate.Bytes())

	le := binary.LittleEndian
	le.PutUint64(buf[off:], a.Constraints.MaxPerTx)
	le.PutUint64(buf[off+8:], a.Constraints.DailyLimit)
	le.PutUint64(buf[off+16:], a.Constraints.TotalLimit)
	le.PutUint64(buf[off+24:], uint64(a.Constraints.ExpiresAt))
	off += 32

	if a.Frozen {
		buf[off] = 1
	}
	off++

	le.PutUint64(buf[off:], a.TotalSpent)
	le.PutUint64(buf[off+8:], a.DailySpent)
	le.PutUint64(buf[off+16:], uint64(a.LastEpoch))
	off += 24

	buf[off] = a.Nonce
	off++
	le.PutUint64(buf[off:], uint64(a.CreatedAt))
	return buf
}

// UnmarshalRecord decodes a record produced by MarshalRecord and checks the
// identity invariants: a direct owner implies a zero commitment and a missing
// owner implies a non-zero commitment.
func UnmarshalRecord(buf []byte) (Account, error) {
	if len(buf) != RecordSize {
		return Account{}, fmt.Errorf("%w: size %d, want %d", ErrInvalidRecord, len(buf), RecordSize)
	}
	if [8]byte(buf[:8]) != recordDiscriminator {
		return Account{}, fmt.Errorf("%w: bad discriminator", ErrInvalidRecord)
	}
	off := 8

	tag := buf[off]
	owner := common.BytesToAddress(buf[off+1 : off+1+common.AddressLength])
	off += 1 + common.AddressLength

	var commitment Commitment
	copy(commitment[:], buf[off:off+CommitmentLen])
	off += CommitmentLen

	var a Account
	switch tag {
	case 1:
		if !commitment.IsZero() {
			return Account{}, fmt.Errorf("%w: direct record carries a commitment", ErrInvalidRecord)
		}
		a.Identity = DirectIdentity(owner)
	case 0:
		if owner != (common.Address{}) {
			return Account{}, fmt.Errorf("%w: owner bytes without owner tag", ErrInvalidRecord)
		}
		id, err := CommitmentIdentity(commitment)
		if err != nil {
			return Account{}, err
		}
		a.Identity = id
	default:
		return Account{}, fmt.Errorf("%w: owner tag %d", ErrInvalidRecord, tag)
	}

	a.Delegate = common.BytesToAddress(buf[off : off+common.AddressLength])
	off += common.AddressLength

	le := binary.LittleEndian
	a.Constraints = Constraints{
		MaxPerTx:   le.Uint64(buf[off:]),
		DailyLimit: le.Uint64(buf[off+8:]),
		TotalLimit: le.Uint64(buf[off+16:]),
		ExpiresAt:  int64(le.Uint64(buf[off+24:])),
	}
	off += 32

	switch buf[off] {
	case 0:
	case 1:
		a.Frozen = true
	default:
		return Account{}, fmt.Errorf("%w: frozen flag %d", ErrInvalidRecord, buf[off])
	}
	off++

	a.TotalSpent = le.Uint64(buf[off:])
	a.DailySpent = le.Uint64(buf[off+8:])
	a.LastEpoch = int64(le.Uint64(buf[off+16:]))
	off += 24

	a.Nonce = buf[off]
	off++
	a.CreatedAt = int64(le.Uint64(buf[off:]))

	a.ID = IDForDelegate(a.Delegate)
	return a, nil
}
