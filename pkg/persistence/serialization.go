package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/kms-signer-go/pkg/types"
)

// MarshalKeyRecord serializes a KeyRecord to JSON bytes.
func MarshalKeyRecord(record *types.KeyRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("cannot marshal nil KeyRecord")
	}
	if record.KeyId == "" {
		return nil, fmt.Errorf("cannot marshal KeyRecord without a key id")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal KeyRecord to JSON: %w", err)
	}
	return data, nil
}

// UnmarshalKeyRecord deserializes a KeyRecord from JSON bytes.
func UnmarshalKeyRecord(data []byte) (*types.KeyRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var record types.KeyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to KeyRecord: %w", err)
	}
	return &record, nil
}
