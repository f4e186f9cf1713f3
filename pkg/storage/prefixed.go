package storage

import "strings"

// PrefixedStorage prepends a fixed prefix to every key before delegating
// to the wrapped Storage, letting one physical store host multiple logs
// (storage_prefix in the service configuration).
type PrefixedStorage struct {
	inner  Storage
	prefix string
}

// NewPrefixedStorage wraps store so every key is namespaced under prefix.
// An empty prefix returns store unchanged.
func NewPrefixedStorage(store Storage, prefix string) Storage {
	if prefix == "" {
		return store
	}
	return &PrefixedStorage{inner: store, prefix: strings.TrimSuffix(prefix, "/") + "/"}
}

func (p *PrefixedStorage) Put(key string, data []byte) error {
	return p.inner.Put(p.prefix+key, data)
}

func (p *PrefixedStorage) Get(key string) ([]byte, error) {
	return p.inner.Get(p.prefix + key)
}

func (p *PrefixedStorage) Delete(key string) error {
	return p.inner.Delete(p.prefix + key)
}

func (p *PrefixedStorage) Exists(key string) (bool, error) {
	return p.inner.Exists(p.prefix + key)
}

func (p *PrefixedStorage) List(prefix string) ([]string, error) {
	keys, err := p.inner.List(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	trimmed := make([]string, len(keys))
	for i, k := range keys {
		trimmed[i] = strings.TrimPrefix(k, p.prefix)
	}
	return trimmed, nil
}
