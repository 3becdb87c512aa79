package kvstore

import (
	"sort"
	"sync"
)

// Memory is a Store kept in process memory.
type Memory struct {
	mu      sync.RWMutex
	domains map[Domain]map[Key][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{domains: make(map[Domain]map[Key][]byte)}
}

func (m *Memory) Get(domain Domain, key Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.domains[domain][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(domain Domain, key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domain]
	if !ok {
		d = make(map[Key][]byte)
		m.domains[domain] = d
	}
	d[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(domain Domain, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.domains[domain], key)
	return nil
}

// Enumerate visits keys in ascending order.
func (m *Memory) Enumerate(domain Domain, fn func(key Key) (bool, error)) error {
	m.mu.RLock()
	keys := sortedKeys(m.domains[domain])
	m.mu.RUnlock()
	for _, k := range keys {
		cont, err := fn(k)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *Memory) PurgeDomain(domain Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.domains, domain)
	return nil
}

func sortedKeys(d map[Key][]byte) []Key {
	keys := make([]Key, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
