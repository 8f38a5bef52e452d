package persistence

import "github.com/Layr-Labs/kms-signer-go/pkg/types"

// IKeyPersistence stores public key metadata fetched from the custody service
// so a restarted signer does not need another GetPublicKey round trip.
// All implementations must be thread-safe.
type IKeyPersistence interface {
	// SaveKeyRecord persists a record indexed by its key id, overwriting any
	// existing record for the same key.
	SaveKeyRecord(record *types.KeyRecord) error

	// LoadKeyRecord retrieves a record by key id.
	// Returns nil if the record doesn't exist, error only on storage failure.
	LoadKeyRecord(keyId string) (*types.KeyRecord, error)

	// ListKeyRecords returns all records sorted by key id.
	ListKeyRecords() ([]*types.KeyRecord, error)

	// DeleteKeyRecord removes a record. Idempotent.
	DeleteKeyRecord(keyId string) error

	// Close cleanly shuts down the persistence layer.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations should return errors.
	Close() error

	// HealthCheck verifies the persistence layer is operational.
	HealthCheck() error
}
