package localCustody

import (
	"context"
	"strings"
	"testing"

	"github.com/Layr-Labs/kms-signer-go/pkg/der"
	"github.com/Layr-Labs/kms-signer-go/pkg/logger"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *LocalCustody {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: true})
	require.NoError(t, err)
	return NewLocalCustody(l)
}

func Test_LocalCustody(t *testing.T) {
	ctx := context.Background()

	t.Run("Should generate keys with unique ids", func(t *testing.T) {
		lc := setup(t)
		ids := make(map[string]bool)
		for i := 0; i < 5; i++ {
			keyId, err := lc.GenerateKey("alias")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(keyId, "local-key-"))
			assert.False(t, ids[keyId])
			ids[keyId] = true
		}
		assert.Equal(t, 5, lc.GetKeyCount())
	})

	t.Run("Should return a KMS shaped public key", func(t *testing.T) {
		lc := setup(t)
		require.NoError(t, lc.LoadPrivateKeyFromHex("one", "0x0000000000000000000000000000000000000000000000000000000000000001", ""))

		encoded, err := lc.GetPublicKey(ctx, "one")
		require.NoError(t, err)

		pk, err := der.DecodePublicKey(encoded)
		require.NoError(t, err)
		assert.True(t, pk.IsSecp256k1())

		addr, err := lc.AddressOf("one")
		require.NoError(t, err)
		assert.Equal(t, "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", addr)
		assert.Equal(t, int64(1), lc.PublicKeyRequests())
	})

	t.Run("Should sign digests with DER signatures", func(t *testing.T) {
		lc := setup(t)
		keyId, err := lc.GenerateKey("")
		require.NoError(t, err)

		digest := crypto.Keccak256([]byte("hello"))
		encoded, err := lc.Sign(ctx, keyId, digest)
		require.NoError(t, err)

		sig, err := der.DecodeSignature(encoded)
		require.NoError(t, err)
		assert.Positive(t, sig.R.Sign())
		assert.Equal(t, int64(1), lc.SignRequests())
	})

	t.Run("Should emulate high s values", func(t *testing.T) {
		lc := setup(t)
		lc.SetEmulateHighS(true)
		keyId, err := lc.GenerateKey("")
		require.NoError(t, err)

		encoded, err := lc.Sign(ctx, keyId, crypto.Keccak256([]byte("high")))
		require.NoError(t, err)

		sig, err := der.DecodeSignature(encoded)
		require.NoError(t, err)
		half := der.CurveOrder()
		half.Rsh(half, 1)
		assert.Equal(t, 1, sig.S.Cmp(half))
	})

	t.Run("Should reject unknown keys and bad digests", func(t *testing.T) {
		lc := setup(t)
		_, err := lc.GetPublicKey(ctx, "missing")
		require.Error(t, err)

		keyId, err := lc.GenerateKey("")
		require.NoError(t, err)
		_, err = lc.Sign(ctx, keyId, []byte{1, 2, 3})
		require.Error(t, err)
	})

	t.Run("Should refuse duplicate key ids", func(t *testing.T) {
		lc := setup(t)
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		require.NoError(t, lc.LoadPrivateKey("dup", key, ""))
		require.Error(t, lc.LoadPrivateKey("dup", key, ""))
		require.Error(t, lc.LoadPrivateKey("nil", nil, ""))
		assert.True(t, lc.KeyExists("dup"))
		assert.False(t, lc.KeyExists("nil"))
	})
}
