package remoteSigner

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/kms-signer-go/pkg/custody/awsKmsCustody"
	"github.com/Layr-Labs/kms-signer-go/pkg/custody/localCustody"
	"github.com/Layr-Labs/kms-signer-go/pkg/der"
	"github.com/Layr-Labs/kms-signer-go/pkg/logger"
	"github.com/Layr-Labs/kms-signer-go/pkg/persistence"
	"github.com/Layr-Labs/kms-signer-go/pkg/persistence/memory"
	"github.com/Layr-Labs/kms-signer-go/pkg/signature"
	"github.com/Layr-Labs/kms-signer-go/pkg/testutil"
	"github.com/Layr-Labs/kms-signer-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	keyOneHex     = "0x0000000000000000000000000000000000000000000000000000000000000001"
	keyOneAddress = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

// stubCustody returns canned results and counts calls.
type stubCustody struct {
	mu         sync.Mutex
	publicKey  []byte
	pubKeyErr  error
	signature  []byte
	pubKeyHits int
	signHits   int
	// entered and release, when set, hold GetPublicKey until released
	entered chan struct{}
	release chan struct{}
}

func (s *stubCustody) GetPublicKey(ctx context.Context, keyId string) ([]byte, error) {
	if s.release != nil {
		close(s.entered)
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubKeyHits++
	return s.publicKey, s.pubKeyErr
}

func (s *stubCustody) Sign(ctx context.Context, keyId string, digest []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signHits++
	return s.signature, nil
}

func newTestLogger(t *testing.T) *zap.Logger {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	return l
}

func newLocalSigner(t *testing.T, store persistence.IKeyPersistence) (*RemoteSigner, *localCustody.LocalCustody) {
	l := newTestLogger(t)
	lc := localCustody.NewLocalCustody(l)
	require.NoError(t, lc.LoadPrivateKeyFromHex("key-one", keyOneHex, ""))

	rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "key-one"}, lc, testutil.NewFakeProvider(), store, l)
	require.NoError(t, err)
	return rs, lc
}

func Test_GetAddress(t *testing.T) {
	ctx := context.Background()

	t.Run("Should derive the well known address of private key 1", func(t *testing.T) {
		rs, _ := newLocalSigner(t, nil)
		addr, err := rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())
		assert.Equal(t, "key-one", rs.KeyId())
	})

	t.Run("Should fetch the public key exactly once under concurrent first use", func(t *testing.T) {
		rs, lc := newLocalSigner(t, nil)

		var wg sync.WaitGroup
		results := make([]common.Address, 16)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				addr, err := rs.GetAddress(ctx)
				assert.NoError(t, err)
				results[i] = addr
			}(i)
		}
		wg.Wait()

		for _, addr := range results {
			assert.Equal(t, keyOneAddress, addr.Hex())
		}
		assert.Equal(t, int64(1), lc.PublicKeyRequests())
	})

	t.Run("Should fail with ErrKeyUnavailable on empty key material and not cache the failure", func(t *testing.T) {
		stub := &stubCustody{}
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, stub, nil, nil, newTestLogger(t))
		require.NoError(t, err)

		_, err = rs.GetAddress(ctx)
		assert.ErrorIs(t, err, ErrKeyUnavailable)

		priv, err := crypto.HexToECDSA(keyOneHex[2:])
		require.NoError(t, err)
		stub.publicKey, err = der.EncodePublicKey(crypto.FromECDSAPub(&priv.PublicKey))
		require.NoError(t, err)

		addr, err := rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())
		assert.Equal(t, 2, stub.pubKeyHits)
	})

	t.Run("Should propagate custody errors", func(t *testing.T) {
		stub := &stubCustody{pubKeyErr: errors.New("AccessDeniedException")}
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, stub, nil, nil, newTestLogger(t))
		require.NoError(t, err)

		_, err = rs.GetAddress(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AccessDeniedException")
	})

	t.Run("Should reject malformed and non secp256k1 keys", func(t *testing.T) {
		stub := &stubCustody{publicKey: []byte{0x30, 0x00}}
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, stub, nil, nil, newTestLogger(t))
		require.NoError(t, err)
		_, err = rs.GetAddress(ctx)
		assert.ErrorIs(t, err, der.ErrMalformedKey)

		p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		stub.publicKey, err = x509.MarshalPKIXPublicKey(&p256.PublicKey)
		require.NoError(t, err)
		_, err = rs.GetAddress(ctx)
		assert.ErrorIs(t, err, der.ErrMalformedKey)
	})
}

func Test_GetAddress_Persistence(t *testing.T) {
	ctx := context.Background()

	t.Run("Should persist the fetched public key", func(t *testing.T) {
		store := memory.NewMemoryPersistence()
		rs, _ := newLocalSigner(t, store)

		_, err := rs.GetAddress(ctx)
		require.NoError(t, err)

		record, err := store.LoadKeyRecord("key-one")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, keyOneAddress, record.Address)
		assert.NotEmpty(t, record.PublicKeyDER)
	})

	t.Run("Should skip the custody fetch when a record exists", func(t *testing.T) {
		store := memory.NewMemoryPersistence()
		first, _ := newLocalSigner(t, store)
		_, err := first.GetAddress(ctx)
		require.NoError(t, err)

		second, lc := newLocalSigner(t, store)
		addr, err := second.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())
		assert.Equal(t, int64(0), lc.PublicKeyRequests())
	})

	t.Run("Should re-derive rather than trust the stored address", func(t *testing.T) {
		store := memory.NewMemoryPersistence()
		priv, err := crypto.HexToECDSA(keyOneHex[2:])
		require.NoError(t, err)
		pubDER, err := der.EncodePublicKey(crypto.FromECDSAPub(&priv.PublicKey))
		require.NoError(t, err)

		require.NoError(t, store.SaveKeyRecord(&types.KeyRecord{
			KeyId:        "key-one",
			PublicKeyDER: pubDER,
			Address:      "0x000000000000000000000000000000000000dEaD",
			FetchedAt:    time.Now(),
		}))

		rs, _ := newLocalSigner(t, store)
		addr, err := rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())
	})

	t.Run("Should fall back to custody when the stored key is unusable", func(t *testing.T) {
		store := memory.NewMemoryPersistence()
		require.NoError(t, store.SaveKeyRecord(&types.KeyRecord{KeyId: "key-one", PublicKeyDER: []byte{0x01}}))

		rs, lc := newLocalSigner(t, store)
		addr, err := rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())
		assert.Equal(t, int64(1), lc.PublicKeyRequests())
	})
}

func Test_GetAddress_StaleRecord(t *testing.T) {
	ctx := context.Background()

	// A record for key-one that holds the public key of an unrelated key, as
	// left behind when the id is re-pointed in custody.
	staleStore := func(t *testing.T, keyId string) (*memory.MemoryPersistence, common.Address) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		otherDER, err := der.EncodePublicKey(crypto.FromECDSAPub(&other.PublicKey))
		require.NoError(t, err)
		otherAddr := crypto.PubkeyToAddress(other.PublicKey)

		store := memory.NewMemoryPersistence()
		require.NoError(t, store.SaveKeyRecord(&types.KeyRecord{
			KeyId:        keyId,
			PublicKeyDER: otherDER,
			Address:      otherAddr.Hex(),
			FetchedAt:    time.Now(),
		}))
		return store, otherAddr
	}

	t.Run("Should replace a stale record on the first signature", func(t *testing.T) {
		store, staleAddr := staleStore(t, "key-one")
		rs, lc := newLocalSigner(t, store)

		addr, err := rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, staleAddr, addr)
		assert.Equal(t, int64(0), lc.PublicKeyRequests())

		digest := crypto.Keccak256Hash([]byte("re-pointed"))
		sig, err := rs.SignDigest(ctx, digest)
		require.NoError(t, err)
		recovered, err := signature.Recover(digest[:], sig)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, recovered.Hex())
		assert.Equal(t, int64(1), lc.PublicKeyRequests())

		addr, err = rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())

		record, err := store.LoadKeyRecord("key-one")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, keyOneAddress, record.Address)

		// Later signatures need no further custody lookups
		_, err = rs.SignDigest(ctx, crypto.Keccak256Hash([]byte("again")))
		require.NoError(t, err)
		assert.Equal(t, int64(1), lc.PublicKeyRequests())
	})

	t.Run("Should never persist or read records for alias key ids", func(t *testing.T) {
		store, _ := staleStore(t, "alias/deployer")

		l := newTestLogger(t)
		lc := localCustody.NewLocalCustody(l)
		require.NoError(t, lc.LoadPrivateKeyFromHex("alias/deployer", keyOneHex, ""))
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "alias/deployer"}, lc, nil, store, l)
		require.NoError(t, err)

		addr, err := rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())
		assert.Equal(t, int64(1), lc.PublicKeyRequests())

		records, err := store.ListKeyRecords()
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.NotEqual(t, keyOneAddress, records[0].Address)
	})

	t.Run("Should recognise alias key ids", func(t *testing.T) {
		assert.True(t, IsAliasKeyId("alias/deployer"))
		assert.True(t, IsAliasKeyId("arn:aws:kms:us-east-1:111122223333:alias/deployer"))
		assert.False(t, IsAliasKeyId("arn:aws:kms:us-east-1:111122223333:key/1234abcd-12ab-34cd-56ef-1234567890ab"))
		assert.False(t, IsAliasKeyId("1234abcd-12ab-34cd-56ef-1234567890ab"))
	})
}

func Test_GetAddress_ContextWhileWaiting(t *testing.T) {
	t.Run("Should stop waiting for an in-flight fill when ctx is done", func(t *testing.T) {
		priv, err := crypto.HexToECDSA(keyOneHex[2:])
		require.NoError(t, err)
		pubDER, err := der.EncodePublicKey(crypto.FromECDSAPub(&priv.PublicKey))
		require.NoError(t, err)

		stub := &stubCustody{publicKey: pubDER, entered: make(chan struct{}), release: make(chan struct{})}
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, stub, nil, nil, newTestLogger(t))
		require.NoError(t, err)

		firstDone := make(chan error, 1)
		go func() {
			_, err := rs.GetAddress(context.Background())
			firstDone <- err
		}()
		<-stub.entered

		waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = rs.GetAddress(waitCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(stub.release)
		require.NoError(t, <-firstDone)

		addr, err := rs.GetAddress(context.Background())
		require.NoError(t, err)
		assert.Equal(t, keyOneAddress, addr.Hex())
		assert.Equal(t, 1, stub.pubKeyHits)
	})
}

func Test_SignDigest(t *testing.T) {
	ctx := context.Background()

	t.Run("Should produce low s signatures that recover to the signer", func(t *testing.T) {
		for _, highS := range []bool{false, true} {
			rs, lc := newLocalSigner(t, nil)
			lc.SetEmulateHighS(highS)

			for i := 0; i < 8; i++ {
				digest := crypto.Keccak256Hash([]byte{byte(i)})
				sig, err := rs.SignDigest(ctx, digest)
				require.NoError(t, err)
				assert.True(t, signature.IsLowS(sig.S))
				assert.Contains(t, []uint8{27, 28}, sig.V())

				recovered, err := signature.Recover(digest[:], sig)
				require.NoError(t, err)
				assert.Equal(t, keyOneAddress, recovered.Hex())
			}
		}
	})

	t.Run("Should fail with ErrSigningUnavailable on empty signature", func(t *testing.T) {
		priv, err := crypto.HexToECDSA(keyOneHex[2:])
		require.NoError(t, err)
		pubDER, err := der.EncodePublicKey(crypto.FromECDSAPub(&priv.PublicKey))
		require.NoError(t, err)

		stub := &stubCustody{publicKey: pubDER}
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, stub, nil, nil, newTestLogger(t))
		require.NoError(t, err)

		_, err = rs.SignDigest(ctx, [32]byte{1})
		assert.ErrorIs(t, err, ErrSigningUnavailable)
	})

	t.Run("Should propagate a recovery mismatch", func(t *testing.T) {
		priv, err := crypto.HexToECDSA(keyOneHex[2:])
		require.NoError(t, err)
		pubDER, err := der.EncodePublicKey(crypto.FromECDSAPub(&priv.PublicKey))
		require.NoError(t, err)

		// A valid signature by an unrelated key
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		digest := crypto.Keccak256Hash([]byte("mismatch"))
		raw, err := crypto.Sign(digest[:], other)
		require.NoError(t, err)
		sigDER, err := der.EncodeSignature(
			new(big.Int).SetBytes(raw[:32]),
			new(big.Int).SetBytes(raw[32:64]),
		)
		require.NoError(t, err)

		stub := &stubCustody{publicKey: pubDER, signature: sigDER}
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, stub, nil, nil, newTestLogger(t))
		require.NoError(t, err)

		_, err = rs.SignDigest(ctx, digest)
		assert.ErrorIs(t, err, signature.ErrSignatureRecoveryMismatch)
		assert.Equal(t, 1, stub.signHits)
	})

	t.Run("Should reject malformed DER signatures", func(t *testing.T) {
		priv, err := crypto.HexToECDSA(keyOneHex[2:])
		require.NoError(t, err)
		pubDER, err := der.EncodePublicKey(crypto.FromECDSAPub(&priv.PublicKey))
		require.NoError(t, err)

		stub := &stubCustody{publicKey: pubDER, signature: []byte{0x30, 0x02, 0x02, 0x00}}
		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, stub, nil, nil, newTestLogger(t))
		require.NoError(t, err)

		_, err = rs.SignDigest(ctx, [32]byte{2})
		assert.ErrorIs(t, err, der.ErrMalformedSignature)
	})
}

func Test_GetNonce(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger(t)
	lc := localCustody.NewLocalCustody(l)
	require.NoError(t, lc.LoadPrivateKeyFromHex("key-one", keyOneHex, ""))

	fp := testutil.NewFakeProvider().HandleResult("eth_getTransactionCount", "0x2a")
	rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "key-one"}, lc, fp, nil, l)
	require.NoError(t, err)

	addr := common.HexToAddress(keyOneAddress)
	nonce, err := rs.GetNonce(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)

	calls := fp.CallsTo("eth_getTransactionCount")
	require.Len(t, calls, 1)
	var tag string
	require.NoError(t, json.Unmarshal(calls[0].Params[1], &tag))
	assert.Equal(t, "pending", tag)
	var sent common.Address
	require.NoError(t, json.Unmarshal(calls[0].Params[0], &sent))
	assert.Equal(t, addr, sent)
}

func Test_NewRemoteSigner_Validation(t *testing.T) {
	l := newTestLogger(t)
	_, err := NewRemoteSigner(&RemoteSignerConfig{}, &stubCustody{}, nil, nil, l)
	require.Error(t, err)
	_, err = NewRemoteSigner(&RemoteSignerConfig{KeyId: "k"}, nil, nil, nil, l)
	require.Error(t, err)
}

func Test_RemoteSigner_AWSKMSCustody(t *testing.T) {
	t.Run("Should sign through the KMS client adapter", func(t *testing.T) {
		ctx := context.Background()
		l := newTestLogger(t)

		lc := localCustody.NewLocalCustody(l)
		require.NoError(t, lc.LoadPrivateKeyFromHex("alias/deployer", keyOneHex, ""))
		lc.SetEmulateHighS(true)

		fakeKMS := testutil.NewFakeKMS(lc)
		kmsCustody := awsKmsCustody.NewAWSKMSCustodyWithClient(fakeKMS, "us-east-1", l)

		rs, err := NewRemoteSigner(&RemoteSignerConfig{KeyId: "alias/deployer"}, kmsCustody, testutil.NewFakeProvider(), nil, l)
		require.NoError(t, err)

		addr, err := rs.GetAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(keyOneAddress), addr)

		digest := crypto.Keccak256Hash([]byte("through kms"))
		sig, err := rs.SignDigest(ctx, digest)
		require.NoError(t, err)
		assert.True(t, signature.IsLowS(sig.S))

		recovered, err := signature.Recover(digest[:], sig)
		require.NoError(t, err)
		assert.Equal(t, addr, recovered)
		assert.Equal(t, "alias/deployer", *fakeKMS.LastSignInput().KeyId)
	})
}
