package service

import "github.com/sandtor/emberonion/kv"

// memStore is a minimal in-process kv.Store for exercising Service setup
// without touching disk.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(key string) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Put(key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(key string) error {
	delete(m.data, key)
	return nil
}

var _ kv.Store = (*memStore)(nil)
