// Package signature turns a raw (r, s) pair from a custody service into an
// Ethereum signature: s is forced into the lower half of the curve order and
// the recovery id is chosen by recovering the signer address.
package signature

import (
	"fmt"
	"math/big"

	"github.com/Layr-Labs/kms-signer-go/pkg/der"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var (
	ErrSignatureRecoveryMismatch = errors.New("signature does not recover to the expected address")
	ErrInvalidDigest             = errors.New("digest must be exactly 32 bytes")
	ErrInvalidSignature          = errors.New("invalid serialized signature")
)

const (
	DigestLength = 32
	Length       = 65

	// LegacyRecoveryOffset is added to the recovery id to produce v.
	LegacyRecoveryOffset = 27
)

var (
	curveOrder = der.CurveOrder()
	halfOrder  = new(big.Int).Rsh(der.CurveOrder(), 1)
)

// CanonicalSignature is a low-s secp256k1 signature with a recovery id in {0, 1}.
type CanonicalSignature struct {
	R          *big.Int
	S          *big.Int
	RecoveryId uint8
}

// V returns the recovery id in the 27/28 convention.
func (cs *CanonicalSignature) V() uint8 {
	return cs.RecoveryId + LegacyRecoveryOffset
}

// RecoveryBytes returns r||s||recoveryId, the form consumed by crypto.Ecrecover
// and types.Transaction.WithSignature.
func (cs *CanonicalSignature) RecoveryBytes() []byte {
	out := make([]byte, Length)
	cs.R.FillBytes(out[0:32])
	cs.S.FillBytes(out[32:64])
	out[64] = cs.RecoveryId
	return out
}

// Bytes returns the 65 byte serialized signature r||s||v with v in {27, 28}.
func (cs *CanonicalSignature) Bytes() []byte {
	out := cs.RecoveryBytes()
	out[64] = cs.V()
	return out
}

// Hex returns Bytes as a 0x-prefixed hex string.
func (cs *CanonicalSignature) Hex() string {
	return hexutil.Encode(cs.Bytes())
}

func (cs *CanonicalSignature) String() string {
	return cs.Hex()
}

// Normalize applies the low-s rule to sig and searches recovery ids 0 and 1 for
// the one that recovers expected from digest. A signature that recovers to
// neither is rejected with ErrSignatureRecoveryMismatch.
func Normalize(sig *der.Signature, digest []byte, expected common.Address) (*CanonicalSignature, error) {
	if len(digest) != DigestLength {
		return nil, errors.Wrapf(ErrInvalidDigest, "got %d bytes", len(digest))
	}
	if sig == nil || sig.R == nil || sig.S == nil {
		return nil, errors.Wrap(der.ErrMalformedSignature, "missing r or s")
	}

	s := new(big.Int).Set(sig.S)
	if s.Cmp(halfOrder) > 0 {
		s.Sub(curveOrder, s)
	}

	candidate := &CanonicalSignature{
		R: new(big.Int).Set(sig.R),
		S: s,
	}

	recovered := make([]string, 0, 2)
	for id := uint8(0); id < 2; id++ {
		candidate.RecoveryId = id

		addr, err := Recover(digest, candidate)
		if err != nil {
			recovered = append(recovered, fmt.Sprintf("<%v>", err))
			continue
		}
		if addr == expected {
			return candidate, nil
		}
		recovered = append(recovered, addr.Hex())
	}

	return nil, errors.Wrapf(ErrSignatureRecoveryMismatch,
		"expected address %s but got %s (v = 27) and %s (v = 28)",
		expected.Hex(), recovered[0], recovered[1],
	)
}

// Recover returns the address that produced cs over digest.
func Recover(digest []byte, cs *CanonicalSignature) (common.Address, error) {
	pub, err := crypto.SigToPub(digest, cs.RecoveryBytes())
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// FromBytes parses a 65 byte r||s||v signature. v may be 0/1 or 27/28.
func FromBytes(b []byte) (*CanonicalSignature, error) {
	if len(b) != Length {
		return nil, errors.Wrapf(ErrInvalidSignature, "expected %d bytes, got %d", Length, len(b))
	}

	v := b[64]
	if v >= LegacyRecoveryOffset {
		v -= LegacyRecoveryOffset
	}
	if v > 1 {
		return nil, errors.Wrapf(ErrInvalidSignature, "unsupported v value %d", b[64])
	}

	return &CanonicalSignature{
		R:          new(big.Int).SetBytes(b[0:32]),
		S:          new(big.Int).SetBytes(b[32:64]),
		RecoveryId: v,
	}, nil
}

// IsLowS reports whether s is at most half the curve order.
func IsLowS(s *big.Int) bool {
	return s.Cmp(halfOrder) <= 0
}
