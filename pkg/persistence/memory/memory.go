package memory

import (
	"sort"
	"sync"

	"github.com/Layr-Labs/kms-signer-go/pkg/persistence"
	"github.com/Layr-Labs/kms-signer-go/pkg/types"
	"github.com/pkg/errors"
)

// MemoryPersistence is an in-memory implementation of IKeyPersistence.
//
// Records are lost when the process exits, so every restart costs one
// GetPublicKey call against the custody service. Records are deep copied on
// the way in and out to prevent external mutation.
type MemoryPersistence struct {
	mu      sync.RWMutex
	records map[string]*types.KeyRecord
	closed  bool
}

var _ persistence.IKeyPersistence = (*MemoryPersistence)(nil)

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		records: make(map[string]*types.KeyRecord),
	}
}

// SaveKeyRecord persists a key record.
func (m *MemoryPersistence) SaveKeyRecord(record *types.KeyRecord) error {
	if record == nil {
		return errors.New("cannot save nil KeyRecord")
	}
	if record.KeyId == "" {
		return errors.New("cannot save KeyRecord without a key id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	m.records[record.KeyId] = record.Clone()
	return nil
}

// LoadKeyRecord retrieves a key record by id.
func (m *MemoryPersistence) LoadKeyRecord(keyId string) (*types.KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	record, ok := m.records[keyId]
	if !ok {
		return nil, nil
	}
	return record.Clone(), nil
}

// ListKeyRecords returns all records sorted by key id.
func (m *MemoryPersistence) ListKeyRecords() ([]*types.KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	keyIds := make([]string, 0, len(m.records))
	for keyId := range m.records {
		keyIds = append(keyIds, keyId)
	}
	sort.Strings(keyIds)

	result := make([]*types.KeyRecord, 0, len(keyIds))
	for _, keyId := range keyIds {
		result = append(result, m.records[keyId].Clone())
	}
	return result, nil
}

// DeleteKeyRecord removes a key record.
func (m *MemoryPersistence) DeleteKeyRecord(keyId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	delete(m.records, keyId)
	return nil
}

// Close marks the persistence layer as closed and drops all records.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	return nil
}

func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return persistence.ErrClosed
	}
	return nil
}
