package localCustody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/Layr-Labs/kms-signer-go/pkg/custody"
	"github.com/Layr-Labs/kms-signer-go/pkg/der"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// keyEntry stores the private key and metadata for a key
type keyEntry struct {
	privateKey *ecdsa.PrivateKey
	aliasName  string
	address    string
}

// LocalCustody is an in-process stand-in for a KMS. It returns exactly the DER
// shapes AWS KMS returns so the full decode/normalize path is exercised. It is
// meant for development networks and tests.
type LocalCustody struct {
	logger   *zap.Logger
	keyStore map[string]*keyEntry // keyId -> keyEntry
	mu       sync.RWMutex

	// emulateHighS makes every signature use the upper-half s value, as KMS
	// does for roughly half of its signatures.
	emulateHighS atomic.Bool

	publicKeyRequests atomic.Int64
	signRequests      atomic.Int64
}

var _ custody.ICustodyService = (*LocalCustody)(nil)

func NewLocalCustody(logger *zap.Logger) *LocalCustody {
	return &LocalCustody{
		logger:   logger,
		keyStore: make(map[string]*keyEntry),
	}
}

// SetEmulateHighS toggles returning high-s signatures.
func (l *LocalCustody) SetEmulateHighS(enabled bool) {
	l.emulateHighS.Store(enabled)
}

func (l *LocalCustody) GetPublicKey(ctx context.Context, keyId string) ([]byte, error) {
	l.publicKeyRequests.Add(1)

	entry, err := l.getEntry(keyId)
	if err != nil {
		return nil, err
	}

	encoded, err := der.EncodePublicKey(crypto.FromECDSAPub(&entry.privateKey.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key for key %s: %w", keyId, err)
	}

	l.logger.Debug("Retrieved local public key",
		zap.String("keyId", keyId),
		zap.String("address", entry.address),
	)
	return encoded, nil
}

func (l *LocalCustody) Sign(ctx context.Context, keyId string, digest []byte) ([]byte, error) {
	l.signRequests.Add(1)

	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be exactly 32 bytes, got %d", len(digest))
	}

	entry, err := l.getEntry(keyId)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest, entry.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest with key %s: %w", keyId, err)
	}

	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if l.emulateHighS.Load() {
		s.Sub(der.CurveOrder(), s)
	}

	encoded, err := der.EncodeSignature(r, s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature for key %s: %w", keyId, err)
	}

	l.logger.Debug("Signed digest with local key",
		zap.String("keyId", keyId),
		zap.Bool("highS", l.emulateHighS.Load()),
	)
	return encoded, nil
}

func (l *LocalCustody) getEntry(keyId string) (*keyEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, exists := l.keyStore[keyId]
	if !exists {
		return nil, fmt.Errorf("key with ID %s not found", keyId)
	}
	return entry, nil
}

// Helper functions for development and testing

// GenerateKey creates a random key and returns its id.
func (l *LocalCustody) GenerateKey(aliasName string) (string, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	keyId := fmt.Sprintf("local-key-%s", uuid.New().String())
	if err := l.LoadPrivateKey(keyId, privateKey, aliasName); err != nil {
		return "", err
	}
	return keyId, nil
}

// LoadPrivateKey loads a pre-existing private key into the key store.
func (l *LocalCustody) LoadPrivateKey(keyId string, privateKey *ecdsa.PrivateKey, aliasName string) error {
	if privateKey == nil {
		return fmt.Errorf("private key cannot be nil")
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey).Hex()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.keyStore[keyId]; exists {
		return fmt.Errorf("key with ID %s already exists", keyId)
	}

	l.keyStore[keyId] = &keyEntry{
		privateKey: privateKey,
		aliasName:  aliasName,
		address:    address,
	}

	l.logger.Info("Loaded private key into local custody",
		zap.String("keyId", keyId),
		zap.String("aliasName", aliasName),
		zap.String("address", address),
	)
	return nil
}

// LoadPrivateKeyFromHex loads a hex private key. The hex string can optionally
// start with "0x".
func (l *LocalCustody) LoadPrivateKeyFromHex(keyId string, privateKeyHex string, aliasName string) error {
	if len(privateKeyHex) >= 2 && privateKeyHex[0] == '0' && (privateKeyHex[1] == 'x' || privateKeyHex[1] == 'X') {
		privateKeyHex = privateKeyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return fmt.Errorf("failed to parse private key from hex: %w", err)
	}
	return l.LoadPrivateKey(keyId, privateKey, aliasName)
}

// AddressOf returns the checksummed address of keyId.
func (l *LocalCustody) AddressOf(keyId string) (string, error) {
	entry, err := l.getEntry(keyId)
	if err != nil {
		return "", err
	}
	return entry.address, nil
}

// KeyExists checks if a key with the given ID exists in the store.
func (l *LocalCustody) KeyExists(keyId string) bool {
	_, err := l.getEntry(keyId)
	return err == nil
}

// GetKeyCount returns the number of keys in the store.
func (l *LocalCustody) GetKeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keyStore)
}

// PublicKeyRequests returns how many times GetPublicKey has been called.
func (l *LocalCustody) PublicKeyRequests() int64 {
	return l.publicKeyRequests.Load()
}

// SignRequests returns how many times Sign has been called.
func (l *LocalCustody) SignRequests() int64 {
	return l.signRequests.Load()
}
