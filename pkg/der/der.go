// Package der decodes the ASN.1 DER structures returned by a key custody
// service for secp256k1 keys: the SubjectPublicKeyInfo of RFC 5480 and the
// ECDSA-Sig-Value of RFC 3279.
package der

import (
	"crypto/ecdsa"
	encodingAsn1 "encoding/asn1"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	ErrMalformedKey       = errors.New("malformed public key")
	ErrMalformedSignature = errors.New("malformed signature")
)

var (
	// OIDPublicKeyECDSA is id-ecPublicKey from RFC 5480.
	OIDPublicKeyECDSA = encodingAsn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	// OIDNamedCurveSecp256k1 is the SEC 2 secp256k1 curve.
	OIDNamedCurveSecp256k1 = encodingAsn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

const (
	uncompressedPointLength = 65
	uncompressedPointPrefix = 0x04
)

var secp256k1N, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)

// CurveOrder returns a copy of the secp256k1 group order N.
func CurveOrder() *big.Int {
	return new(big.Int).Set(secp256k1N)
}

// PublicKey is a decoded EC SubjectPublicKeyInfo. Point holds the 64 byte X||Y
// coordinates with the uncompressed-point format byte removed.
type PublicKey struct {
	Algorithm encodingAsn1.ObjectIdentifier
	Curve     encodingAsn1.ObjectIdentifier
	Point     []byte
}

// IsSecp256k1 reports whether the key is an EC key on the secp256k1 curve.
func (pk *PublicKey) IsSecp256k1() bool {
	return pk.Algorithm.Equal(OIDPublicKeyECDSA) && pk.Curve.Equal(OIDNamedCurveSecp256k1)
}

// Uncompressed returns the 65 byte 0x04||X||Y encoding of the point.
func (pk *PublicKey) Uncompressed() []byte {
	out := make([]byte, 0, uncompressedPointLength)
	out = append(out, uncompressedPointPrefix)
	return append(out, pk.Point...)
}

// ToECDSA validates that the point lies on secp256k1 and converts it.
func (pk *PublicKey) ToECDSA() (*ecdsa.PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(pk.Uncompressed())
	if err != nil {
		return nil, errors.Wrap(ErrMalformedKey, err.Error())
	}
	return pub, nil
}

// Signature is a decoded ECDSA-Sig-Value. Both values are in [1, N-1].
type Signature struct {
	R *big.Int
	S *big.Int
}

// DecodePublicKey parses
//
//	SEQUENCE {
//	  SEQUENCE { OBJECT IDENTIFIER algorithm, OBJECT IDENTIFIER namedCurve }
//	  BIT STRING subjectPublicKey
//	}
func DecodePublicKey(data []byte) (*PublicKey, error) {
	input := cryptobyte.String(data)

	var spki, algorithmIdentifier cryptobyte.String
	if !input.ReadASN1(&spki, asn1.SEQUENCE) || !input.Empty() {
		return nil, errors.Wrap(ErrMalformedKey, "expected a single outer SEQUENCE")
	}
	if !spki.ReadASN1(&algorithmIdentifier, asn1.SEQUENCE) {
		return nil, errors.Wrap(ErrMalformedKey, "expected algorithm identifier SEQUENCE")
	}

	pk := &PublicKey{}
	if !algorithmIdentifier.ReadASN1ObjectIdentifier(&pk.Algorithm) {
		return nil, errors.Wrap(ErrMalformedKey, "missing algorithm OID")
	}
	if !algorithmIdentifier.ReadASN1ObjectIdentifier(&pk.Curve) {
		return nil, errors.Wrap(ErrMalformedKey, "missing curve parameters OID")
	}
	if !algorithmIdentifier.Empty() {
		return nil, errors.Wrap(ErrMalformedKey, "unexpected data in algorithm identifier")
	}

	var bits encodingAsn1.BitString
	if !spki.ReadASN1BitString(&bits) || !spki.Empty() {
		return nil, errors.Wrap(ErrMalformedKey, "expected subjectPublicKey BIT STRING")
	}
	if bits.BitLength != uncompressedPointLength*8 || len(bits.Bytes) != uncompressedPointLength {
		return nil, errors.Wrapf(ErrMalformedKey, "unexpected public key length %d bits", bits.BitLength)
	}
	if bits.Bytes[0] != uncompressedPointPrefix {
		return nil, errors.Wrapf(ErrMalformedKey, "unsupported point format 0x%02x", bits.Bytes[0])
	}

	pk.Point = append([]byte(nil), bits.Bytes[1:]...)
	return pk, nil
}

// DecodeSignature parses SEQUENCE { INTEGER r, INTEGER s }.
func DecodeSignature(data []byte) (*Signature, error) {
	input := cryptobyte.String(data)

	var inner cryptobyte.String
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() {
		return nil, errors.Wrap(ErrMalformedSignature, "expected a single SEQUENCE")
	}

	r, s := new(big.Int), new(big.Int)
	if !inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, errors.Wrap(ErrMalformedSignature, "expected exactly two INTEGERs")
	}
	if r.Sign() <= 0 || r.Cmp(secp256k1N) >= 0 {
		return nil, errors.Wrap(ErrMalformedSignature, "r out of range")
	}
	if s.Sign() <= 0 || s.Cmp(secp256k1N) >= 0 {
		return nil, errors.Wrap(ErrMalformedSignature, "s out of range")
	}

	return &Signature{R: r, S: s}, nil
}

// EncodePublicKey wraps a 65 byte uncompressed secp256k1 point in the same
// SubjectPublicKeyInfo shape AWS KMS returns from GetPublicKey.
func EncodePublicKey(uncompressed []byte) ([]byte, error) {
	if len(uncompressed) != uncompressedPointLength || uncompressed[0] != uncompressedPointPrefix {
		return nil, errors.Wrapf(ErrMalformedKey, "expected %d byte uncompressed point", uncompressedPointLength)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDPublicKeyECDSA)
			b.AddASN1ObjectIdentifier(OIDNamedCurveSecp256k1)
		})
		b.AddASN1(asn1.BIT_STRING, func(b *cryptobyte.Builder) {
			b.AddUint8(0) // no unused bits
			b.AddBytes(uncompressed)
		})
	})
	return b.Bytes()
}

// EncodeSignature produces the ECDSA-Sig-Value encoding of (r, s).
func EncodeSignature(r, s *big.Int) ([]byte, error) {
	if r == nil || s == nil {
		return nil, errors.Wrap(ErrMalformedSignature, "r and s are required")
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
