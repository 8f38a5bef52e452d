// Package remoteSigner presents a key held by a custody service as an
// Ethereum account: it derives and caches the account address and produces
// recoverable signatures over 32 byte digests.
package remoteSigner

import (
	"context"
	"strings"
	"time"

	"github.com/Layr-Labs/kms-signer-go/pkg/address"
	"github.com/Layr-Labs/kms-signer-go/pkg/custody"
	"github.com/Layr-Labs/kms-signer-go/pkg/der"
	"github.com/Layr-Labs/kms-signer-go/pkg/persistence"
	"github.com/Layr-Labs/kms-signer-go/pkg/signature"
	"github.com/Layr-Labs/kms-signer-go/pkg/transport"
	"github.com/Layr-Labs/kms-signer-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrKeyUnavailable     = errors.New("custody service returned no public key")
	ErrSigningUnavailable = errors.New("custody service returned no signature")
)

type RemoteSignerConfig struct {
	KeyId string `json:"keyId" yaml:"keyId"`
}

type RemoteSigner struct {
	keyId    string
	custody  custody.ICustodyService
	provider transport.IProvider
	store    persistence.IKeyPersistence
	logger   *zap.Logger

	// fillSem serializes the address fill so concurrent first callers share
	// one GetPublicKey call. Waiters give up when their ctx is done.
	fillSem chan struct{}
	address *common.Address
	// fromStore is set while the cached address came from a persisted record
	// that custody has not confirmed yet.
	fromStore bool
}

// NewRemoteSigner builds a signer for cfg.KeyId. store may be nil, in which case
// the public key is fetched from the custody service once per process.
func NewRemoteSigner(
	cfg *RemoteSignerConfig,
	custodyService custody.ICustodyService,
	provider transport.IProvider,
	store persistence.IKeyPersistence,
	logger *zap.Logger,
) (*RemoteSigner, error) {
	if cfg == nil || cfg.KeyId == "" {
		return nil, errors.New("key id is required")
	}
	if custodyService == nil {
		return nil, errors.New("custody service is required")
	}
	return &RemoteSigner{
		keyId:    cfg.KeyId,
		custody:  custodyService,
		provider: provider,
		store:    store,
		logger:   logger,
		fillSem:  make(chan struct{}, 1),
	}, nil
}

func (rs *RemoteSigner) KeyId() string {
	return rs.keyId
}

// GetAddress returns the account address of the custody key. The address is
// computed at most once per successful fill; failures are not cached.
func (rs *RemoteSigner) GetAddress(ctx context.Context) (common.Address, error) {
	if err := rs.lockFill(ctx); err != nil {
		return common.Address{}, err
	}
	defer rs.unlockFill()

	if rs.address != nil {
		return *rs.address, nil
	}

	addr, ok := rs.loadPersistedAddress()
	if !ok {
		fetched, err := rs.fetchAddress(ctx)
		if err != nil {
			return common.Address{}, err
		}
		addr = fetched
	}

	rs.address = &addr
	rs.fromStore = ok
	rs.logger.Sugar().Infow("Resolved signer address",
		"keyId", rs.keyId,
		"address", address.Checksum(addr),
		"fromStore", ok,
	)
	return addr, nil
}

func (rs *RemoteSigner) lockFill(ctx context.Context) error {
	select {
	case rs.fillSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rs *RemoteSigner) unlockFill() {
	<-rs.fillSem
}

// refreshFromCustody drops a persisted record that no longer matches the key
// behind keyId and re-resolves the address from custody.
func (rs *RemoteSigner) refreshFromCustody(ctx context.Context, stale common.Address) (common.Address, error) {
	if err := rs.lockFill(ctx); err != nil {
		return common.Address{}, err
	}
	defer rs.unlockFill()

	if rs.address != nil && *rs.address != stale {
		return *rs.address, nil
	}

	rs.logger.Sugar().Warnw("Persisted key record is stale, refreshing from custody",
		"keyId", rs.keyId,
		"stale", address.Checksum(stale),
	)
	if err := rs.store.DeleteKeyRecord(rs.keyId); err != nil {
		rs.logger.Sugar().Warnw("Failed to delete stale key record", "keyId", rs.keyId, "error", err)
	}
	rs.address = nil
	rs.fromStore = false

	addr, err := rs.fetchAddress(ctx)
	if err != nil {
		return common.Address{}, err
	}
	rs.address = &addr
	return addr, nil
}

// IsAliasKeyId reports whether keyId names a KMS alias. An alias can be moved
// to another key, so its public key is never persisted.
func IsAliasKeyId(keyId string) bool {
	return strings.HasPrefix(keyId, "alias/") || strings.Contains(keyId, ":alias/")
}

func (rs *RemoteSigner) persistable() bool {
	return rs.store != nil && !IsAliasKeyId(rs.keyId)
}

// loadPersistedAddress re-derives the address from a stored public key. The
// stored address string is never used directly.
func (rs *RemoteSigner) loadPersistedAddress() (common.Address, bool) {
	if !rs.persistable() {
		return common.Address{}, false
	}

	record, err := rs.store.LoadKeyRecord(rs.keyId)
	if err != nil {
		rs.logger.Sugar().Warnw("Failed to load key record, fetching from custody", "keyId", rs.keyId, "error", err)
		return common.Address{}, false
	}
	if record == nil {
		return common.Address{}, false
	}

	pk, err := decodeSecp256k1(record.PublicKeyDER)
	if err != nil {
		rs.logger.Sugar().Warnw("Discarding unusable key record", "keyId", rs.keyId, "error", err)
		return common.Address{}, false
	}

	addr := address.Derive(pk)
	if record.Address != "" && !address.Equal(record.Address, addr) {
		rs.logger.Sugar().Warnw("Stored address does not match stored public key, using derived address",
			"keyId", rs.keyId,
			"stored", record.Address,
			"derived", address.Checksum(addr),
		)
	}
	return addr, true
}

func (rs *RemoteSigner) fetchAddress(ctx context.Context) (common.Address, error) {
	pubKeyDER, err := rs.custody.GetPublicKey(ctx, rs.keyId)
	if err != nil {
		return common.Address{}, errors.Wrapf(err, "failed to get public key for %s", rs.keyId)
	}
	if len(pubKeyDER) == 0 {
		return common.Address{}, ErrKeyUnavailable
	}

	pk, err := decodeSecp256k1(pubKeyDER)
	if err != nil {
		return common.Address{}, err
	}
	addr := address.Derive(pk)

	if rs.persistable() {
		record := &types.KeyRecord{
			KeyId:        rs.keyId,
			PublicKeyDER: pubKeyDER,
			Address:      address.Checksum(addr),
			FetchedAt:    time.Now().UTC(),
		}
		if err := rs.store.SaveKeyRecord(record); err != nil {
			rs.logger.Sugar().Warnw("Failed to persist key record", "keyId", rs.keyId, "error", err)
		}
	}
	return addr, nil
}

func decodeSecp256k1(data []byte) (*der.PublicKey, error) {
	pk, err := der.DecodePublicKey(data)
	if err != nil {
		return nil, err
	}
	if !pk.IsSecp256k1() {
		return nil, errors.Wrapf(der.ErrMalformedKey, "unsupported key algorithm %s / curve %s", pk.Algorithm, pk.Curve)
	}
	return pk, nil
}

// canRefresh reports whether a recovery mismatch against addr may be a stale
// record: addr came from the store, or a concurrent refresh already replaced it.
func (rs *RemoteSigner) canRefresh(ctx context.Context, addr common.Address) bool {
	if err := rs.lockFill(ctx); err != nil {
		return false
	}
	defer rs.unlockFill()
	return rs.fromStore || (rs.address != nil && *rs.address != addr)
}

// GetNonce returns the pending transaction count of addr.
func (rs *RemoteSigner) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	if rs.provider == nil {
		return 0, errors.New("no provider configured for nonce lookup")
	}

	var nonce hexutil.Uint64
	if err := transport.Call(ctx, rs.provider, &nonce, "eth_getTransactionCount", addr, "pending"); err != nil {
		return 0, errors.Wrapf(err, "failed to get nonce for %s", addr.Hex())
	}
	return uint64(nonce), nil
}

// SignDigest asks the custody service to sign digest and returns the canonical
// low-s signature that recovers to the signer address.
func (rs *RemoteSigner) SignDigest(ctx context.Context, digest [32]byte) (*signature.CanonicalSignature, error) {
	addr, err := rs.GetAddress(ctx)
	if err != nil {
		return nil, err
	}

	sigDER, err := rs.custody.Sign(ctx, rs.keyId, digest[:])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to sign digest with %s", rs.keyId)
	}
	if len(sigDER) == 0 {
		return nil, ErrSigningUnavailable
	}

	sig, err := der.DecodeSignature(sigDER)
	if err != nil {
		return nil, err
	}

	canonical, err := signature.Normalize(sig, digest[:], addr)
	if errors.Is(err, signature.ErrSignatureRecoveryMismatch) && rs.canRefresh(ctx, addr) {
		refreshed, refreshErr := rs.refreshFromCustody(ctx, addr)
		if refreshErr != nil {
			return nil, refreshErr
		}
		canonical, err = signature.Normalize(sig, digest[:], refreshed)
	}
	if err != nil {
		return nil, err
	}

	rs.logger.Debug("Signed digest",
		zap.String("keyId", rs.keyId),
		zap.String("digest", hexutil.Encode(digest[:])),
		zap.Uint8("v", canonical.V()),
	)
	return canonical, nil
}
