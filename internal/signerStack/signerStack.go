// Package signerStack assembles the signing proxy from a SignerConfig:
// custody, key persistence, node transport, remote signer, interceptor and
// gas provider.
package signerStack

import (
	"context"
	"fmt"

	"github.com/Layr-Labs/kms-signer-go/internal/aws"
	"github.com/Layr-Labs/kms-signer-go/pkg/config"
	"github.com/Layr-Labs/kms-signer-go/pkg/custody"
	"github.com/Layr-Labs/kms-signer-go/pkg/custody/awsKmsCustody"
	"github.com/Layr-Labs/kms-signer-go/pkg/custody/localCustody"
	"github.com/Layr-Labs/kms-signer-go/pkg/gasProvider"
	"github.com/Layr-Labs/kms-signer-go/pkg/interceptor"
	"github.com/Layr-Labs/kms-signer-go/pkg/persistence"
	badgerPersistence "github.com/Layr-Labs/kms-signer-go/pkg/persistence/badger"
	"github.com/Layr-Labs/kms-signer-go/pkg/persistence/memory"
	redisPersistence "github.com/Layr-Labs/kms-signer-go/pkg/persistence/redis"
	"github.com/Layr-Labs/kms-signer-go/pkg/remoteSigner"
	"github.com/Layr-Labs/kms-signer-go/pkg/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stack is a fully wired signer. Provider is the outermost IProvider.
type Stack struct {
	Provider    transport.IProvider
	Signer      *remoteSigner.RemoteSigner
	Interceptor *interceptor.Interceptor
	Store       persistence.IKeyPersistence

	client *transport.Client
	logger *zap.Logger
}

// Custody is the key custody for cfg and the key id to sign with.
type Custody struct {
	Service custody.ICustodyService
	KeyId   string
}

// NewCustody selects AWS KMS when a key id is configured and local custody
// for a raw private key.
func NewCustody(ctx context.Context, cfg *config.SignerConfig, logger *zap.Logger) (*Custody, error) {
	if err := cfg.ValidateCustody(); err != nil {
		return nil, err
	}

	if cfg.UsesKMS() {
		awsCfg, err := aws.LoadAWSConfig(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return &Custody{
			Service: awsKmsCustody.NewAWSKMSCustody(awsCfg, logger),
			KeyId:   cfg.KmsKeyId,
		}, nil
	}

	local := localCustody.NewLocalCustody(logger)
	keyId := fmt.Sprintf("local-key-%s", uuid.New().String())
	if err := local.LoadPrivateKeyFromHex(keyId, cfg.PrivateKey, "cli"); err != nil {
		return nil, err
	}
	logger.Sugar().Warnw("Using a local private key; do not use in production", "keyId", keyId)
	return &Custody{Service: local, KeyId: keyId}, nil
}

// NewPersistence opens the configured key metadata store.
func NewPersistence(cfg *config.PersistenceConfig, logger *zap.Logger) (persistence.IKeyPersistence, error) {
	persistenceType, err := persistence.ParsePersistenceType(cfg.Type)
	if err != nil {
		return nil, err
	}

	switch persistenceType {
	case persistence.PersistenceType_Badger:
		store, err := badgerPersistence.NewBadgerPersistence(cfg.DataPath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case persistence.PersistenceType_Redis:
		store, err := redisPersistence.NewRedisPersistence(&redisPersistence.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return memory.NewMemoryPersistence(), nil
	}
}

// NewStack wires the request path gasProvider -> interceptor -> transport.
func NewStack(ctx context.Context, cfg *config.SignerConfig, logger *zap.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cust, err := NewCustody(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := transport.NewClient(ctx, &transport.ClientConfig{
		RPCUrl:            cfg.RpcUrl,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
		Headers:           cfg.HttpHeaders,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := NewPersistence(&cfg.Persistence, logger)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	return assemble(cfg, cust, client, store, logger)
}

func assemble(
	cfg *config.SignerConfig,
	cust *Custody,
	client *transport.Client,
	store persistence.IKeyPersistence,
	logger *zap.Logger,
) (*Stack, error) {
	signer, err := remoteSigner.NewRemoteSigner(&remoteSigner.RemoteSignerConfig{KeyId: cust.KeyId}, cust.Service, client, store, logger)
	if err != nil {
		client.Close()
		_ = store.Close()
		return nil, err
	}

	icpt := interceptor.NewInterceptor(&interceptor.InterceptorConfig{ChainId: uint64(cfg.ChainId)}, signer, client, logger)
	gp := gasProvider.NewGasProvider(&gasProvider.GasProviderConfig{GasMultiplier: cfg.GasMultiplier}, icpt, logger)

	logger.Sugar().Infow("Signer stack ready",
		"keyId", cust.KeyId,
		"chain", config.ChainDisplayName(cfg.ChainId),
		"persistence", cfg.Persistence.Type,
		"gasMultiplier", cfg.GasMultiplier,
	)

	return &Stack{
		Provider:    gp,
		Signer:      signer,
		Interceptor: icpt,
		Store:       store,
		client:      client,
		logger:      logger,
	}, nil
}

// Close releases the transport and the persistence store.
func (s *Stack) Close() error {
	s.client.Close()
	if err := s.Store.Close(); err != nil {
		return fmt.Errorf("failed to close persistence: %w", err)
	}
	return nil
}
