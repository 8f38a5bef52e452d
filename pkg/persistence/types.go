package persistence

import (
	"fmt"

	"github.com/pkg/errors"
)

type PersistenceType string

const (
	PersistenceType_Memory PersistenceType = "memory"
	PersistenceType_Badger PersistenceType = "badger"
	PersistenceType_Redis  PersistenceType = "redis"
)

func ParsePersistenceType(s string) (PersistenceType, error) {
	switch PersistenceType(s) {
	case PersistenceType_Memory, PersistenceType_Badger, PersistenceType_Redis:
		return PersistenceType(s), nil
	case "":
		return PersistenceType_Memory, nil
	default:
		return "", fmt.Errorf("unsupported persistence type %q (supported: memory, badger, redis)", s)
	}
}

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("persistence layer is closed")
