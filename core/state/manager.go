package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"marketchain/storage"
)

// Manager exposes the factory's durable keyed collections over a raw
// key-value database. Records are RLP encoded; every mutation is a
// whole-record replace, so callers must read-modify-write full records.
type Manager struct {
	db storage.Database
}

// NewManager wraps the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVPut stores the RLP encoding of value under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the
// key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVHas reports whether the key exists without decoding its value.
func (m *Manager) KVHas(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Has(key)
}

// KVDelete removes the key if present.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Delete(key)
}

// KVAppendString appends the value to the string list stored under key.
// Duplicates are ignored to keep indexes deterministic.
func (m *Manager) KVAppendString(key []byte, value string) error {
	list, err := m.KVGetStringList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == value {
			return nil
		}
	}
	list = append(list, value)
	return m.KVPut(key, list)
}

// KVGetStringList retrieves the string list stored under key, returning an
// empty list when the key is absent.
func (m *Manager) KVGetStringList(key []byte) ([]string, error) {
	var list []string
	ok, err := m.KVGet(key, &list)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	return list, nil
}

func compositeKey(prefix []byte, parts ...string) []byte {
	key := append([]byte(nil), prefix...)
	for i, part := range parts {
		if i > 0 {
			key = append(key, '|')
		}
		key = append(key, part...)
	}
	return key
}
