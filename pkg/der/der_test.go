package der

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// secp256k1 generator point, i.e. the public key of private key 1
	generatorX = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	generatorY = "483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8"

	spkiPrefix = "3056301006072a8648ce3d020106052b8104000a034200"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func generatorKeyDER(t *testing.T) []byte {
	return mustHex(t, spkiPrefix+"04"+generatorX+generatorY)
}

func Test_DecodePublicKey(t *testing.T) {
	t.Run("Should decode a KMS shaped secp256k1 key", func(t *testing.T) {
		pk, err := DecodePublicKey(generatorKeyDER(t))
		require.NoError(t, err)

		assert.True(t, pk.Algorithm.Equal(OIDPublicKeyECDSA))
		assert.True(t, pk.Curve.Equal(OIDNamedCurveSecp256k1))
		assert.True(t, pk.IsSecp256k1())
		assert.Len(t, pk.Point, 64)
		assert.Equal(t, generatorX+generatorY, hex.EncodeToString(pk.Point))

		ecdsaPub, err := pk.ToECDSA()
		require.NoError(t, err)
		assert.Equal(t, generatorX, hex.EncodeToString(ecdsaPub.X.FillBytes(make([]byte, 32))))
	})

	t.Run("Should be deterministic", func(t *testing.T) {
		a, err := DecodePublicKey(generatorKeyDER(t))
		require.NoError(t, err)
		b, err := DecodePublicKey(generatorKeyDER(t))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("Should round trip through EncodePublicKey", func(t *testing.T) {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)

		encoded, err := EncodePublicKey(crypto.FromECDSAPub(&key.PublicKey))
		require.NoError(t, err)

		pk, err := DecodePublicKey(encoded)
		require.NoError(t, err)
		assert.Equal(t, crypto.FromECDSAPub(&key.PublicKey)[1:], pk.Point)
	})

	t.Run("Should report other curves", func(t *testing.T) {
		var b cryptobyte.Builder
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(OIDPublicKeyECDSA)
				b.AddASN1ObjectIdentifier([]int{1, 2, 840, 10045, 3, 1, 7}) // P-256
			})
			b.AddASN1(asn1.BIT_STRING, func(b *cryptobyte.Builder) {
				b.AddUint8(0)
				b.AddBytes(mustHex(t, "04"+generatorX+generatorY))
			})
		})
		pk, err := DecodePublicKey(b.BytesOrPanic())
		require.NoError(t, err)
		assert.False(t, pk.IsSecp256k1())
	})

	malformed := map[string]func(t *testing.T) []byte{
		"empty": func(t *testing.T) []byte { return nil },
		"trailing data": func(t *testing.T) []byte {
			return append(generatorKeyDER(t), 0x00)
		},
		"compressed point": func(t *testing.T) []byte {
			return mustHex(t, "3036301006072a8648ce3d020106052b8104000a032200"+"02"+generatorX)
		},
		"wrong point prefix": func(t *testing.T) []byte {
			return mustHex(t, spkiPrefix+"05"+generatorX+generatorY)
		},
		"missing curve oid": func(t *testing.T) []byte {
			var b cryptobyte.Builder
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(OIDPublicKeyECDSA)
				})
				b.AddASN1(asn1.BIT_STRING, func(b *cryptobyte.Builder) {
					b.AddUint8(0)
					b.AddBytes(mustHex(t, "04"+generatorX+generatorY))
				})
			})
			return b.BytesOrPanic()
		},
		"octet string instead of bit string": func(t *testing.T) []byte {
			var b cryptobyte.Builder
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(OIDPublicKeyECDSA)
					b.AddASN1ObjectIdentifier(OIDNamedCurveSecp256k1)
				})
				b.AddASN1OctetString(mustHex(t, "04"+generatorX+generatorY))
			})
			return b.BytesOrPanic()
		},
		"signature instead of key": func(t *testing.T) []byte {
			return mustHex(t, "3006020101020102")
		},
	}
	for name, build := range malformed {
		t.Run("Should reject "+name, func(t *testing.T) {
			_, err := DecodePublicKey(build(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedKey))
		})
	}
}

func Test_DecodeSignature(t *testing.T) {
	t.Run("Should decode r and s", func(t *testing.T) {
		sig, err := DecodeSignature(mustHex(t, "3006020101020102"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), sig.R.Int64())
		assert.Equal(t, int64(2), sig.S.Int64())
	})

	t.Run("Should round trip through EncodeSignature", func(t *testing.T) {
		r, _ := new(big.Int).SetString("c5c9e8a1a4f2b4a8b3a5d6c7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90a1b", 16)
		s := new(big.Int).Sub(CurveOrder(), big.NewInt(1))

		encoded, err := EncodeSignature(r, s)
		require.NoError(t, err)

		sig, err := DecodeSignature(encoded)
		require.NoError(t, err)
		assert.Equal(t, 0, r.Cmp(sig.R))
		assert.Equal(t, 0, s.Cmp(sig.S))
	})

	tooLarge, err := EncodeSignature(CurveOrder(), big.NewInt(1))
	require.NoError(t, err)
	zero, err := EncodeSignature(big.NewInt(1), big.NewInt(0))
	require.NoError(t, err)

	malformed := map[string][]byte{
		"empty":               nil,
		"trailing data":       mustHex(t, "300602010102010200"),
		"single integer":      mustHex(t, "3003020101"),
		"three integers":      mustHex(t, "3009020101020102020103"),
		"negative s":          mustHex(t, "3006020101020180"),
		"non minimal integer": mustHex(t, "300702020001020102"),
		"set instead of seq":  mustHex(t, "3106020101020102"),
		"r equal to order":    tooLarge,
		"zero s":              zero,
	}
	for name, data := range malformed {
		t.Run("Should reject "+name, func(t *testing.T) {
			_, err := DecodeSignature(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSignature))
		})
	}
}

func Test_EncodePublicKey_RejectsCompressed(t *testing.T) {
	_, err := EncodePublicKey(mustHex(t, "02"+generatorX))
	require.ErrorIs(t, err, ErrMalformedKey)
}

func Test_CurveOrder_ReturnsCopy(t *testing.T) {
	n := CurveOrder()
	n.SetInt64(0)
	assert.NotEqual(t, 0, CurveOrder().Sign())
}
