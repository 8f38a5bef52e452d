package redis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Layr-Labs/kms-signer-go/pkg/persistence"
	"github.com/Layr-Labs/kms-signer-go/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefixKeyRecord   = "kmssigner:keyrecord:"
	keySchemaVersion     = "kmssigner:metadata:schema_version"
	currentSchemaVersion = "v1"

	// Redis has no native prefix iteration, so record ids are tracked in a set
	keySetKeyRecords = "kmssigner:keyrecords:index"

	operationTimeout = 5 * time.Second
)

// RedisPersistence shares key records between signer replicas.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

var _ persistence.IKeyPersistence = (*RedisPersistence)(nil)

type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address  string
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to every key, e.g. "staging:" gives keys like
	// "staging:kmssigner:keyrecord:<keyId>".
	KeyPrefix string
}

// NewRedisPersistence connects to Redis and validates the schema version.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized",
		"address", cfg.Address,
		"db", cfg.DB,
		"key_prefix", cfg.KeyPrefix,
	)
	return rp, nil
}

func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

func (r *RedisPersistence) recordKey(keyId string) string {
	return r.prefixKey(keyPrefixKeyRecord + keyId)
}

func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	// SETNX so concurrent replicas starting together agree on one value
	if _, err := r.client.SetNX(ctx, schemaKey, currentSchemaVersion, 0).Result(); err != nil {
		return fmt.Errorf("failed to initialize schema version: %w", err)
	}

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}
	return nil
}

// SaveKeyRecord writes the record and its index entry in one MULTI/EXEC.
func (r *RedisPersistence) SaveKeyRecord(record *types.KeyRecord) error {
	if record == nil {
		return fmt.Errorf("cannot save nil KeyRecord")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	data, err := persistence.MarshalKeyRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal KeyRecord: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(record.KeyId), data, 0)
	pipe.SAdd(ctx, r.prefixKey(keySetKeyRecords), record.KeyId)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save KeyRecord: %w", err)
	}
	return nil
}

func (r *RedisPersistence) LoadKeyRecord(keyId string) (*types.KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.recordKey(keyId)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load KeyRecord: %w", err)
	}

	record, err := persistence.UnmarshalKeyRecord(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal KeyRecord: %w", err)
	}
	return record, nil
}

func (r *RedisPersistence) ListKeyRecords() ([]*types.KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	indexKey := r.prefixKey(keySetKeyRecords)
	keyIds, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list KeyRecord ids: %w", err)
	}
	if len(keyIds) == 0 {
		return []*types.KeyRecord{}, nil
	}

	keys := make([]string, len(keyIds))
	for i, keyId := range keyIds {
		keys[i] = r.recordKey(keyId)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch KeyRecords: %w", err)
	}

	records := make([]*types.KeyRecord, 0, len(values))
	for i, val := range values {
		if val == nil {
			// Indexed but missing, repair the index
			r.client.SRem(ctx, indexKey, keyIds[i])
			continue
		}

		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for KeyRecord", "key", keys[i])
			continue
		}

		record, err := persistence.UnmarshalKeyRecord([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal KeyRecord, skipping",
				"key", keys[i], "error", err)
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].KeyId < records[j].KeyId
	})
	return records, nil
}

func (r *RedisPersistence) DeleteKeyRecord(keyId string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.recordKey(keyId))
	pipe.SRem(ctx, r.prefixKey(keySetKeyRecords), keyId)
	_, err := pipe.Exec(ctx)
	return err
}

// Close shuts down the Redis client
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

// HealthCheck pings Redis and verifies the schema marker is present
func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return persistence.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if err == redis.Nil {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}
	return nil
}
