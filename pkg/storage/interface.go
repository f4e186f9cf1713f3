// Package storage provides the blob store abstraction the tile log and
// HTTP surface read and write through. Implementations are local
// filesystem, in-memory (tests), and S3-compatible object stores; a
// prefix wrapper namespaces keys for multi-tenant stores.
package storage

// Storage is an opaque key-to-bytes object store. Callers rely on a put
// being durable when it returns and on single-key reads seeing the last
// successful put; no cross-key atomicity is assumed anywhere.
type Storage interface {
	// Get retrieves data by key. A missing key returns (nil, nil).
	Get(key string) ([]byte, error)

	// Put stores data at the specified key, overwriting any prior value.
	Put(key string, data []byte) error

	// Delete removes data at the specified key.
	Delete(key string) error

	// Exists checks if a key exists.
	Exists(key string) (bool, error)

	// List returns all keys with the given prefix. Only recovery and
	// audit paths use it.
	List(prefix string) ([]string, error)
}
