package kvstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// File is a Store persisted as a single CBOR document. Every mutation
// rewrites the document through a temporary file and a rename.
type File struct {
	path string

	mu  sync.Mutex
	mem *Memory
}

// snapshot is the on-disk layout.
type snapshot struct {
	Version int                        `cbor:"1,keyasint"`
	Domains map[uint8]map[uint8][]byte `cbor:"2,keyasint"`
}

const snapshotVersion = 1

// OpenFile loads the store at path. A missing file yields an empty store.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, mem: NewMemory()}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var s snapshot
	if err := cbor.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("decode %s: unsupported version %d", path, s.Version)
	}
	for d, keys := range s.Domains {
		for k, v := range keys {
			f.mem.Set(Domain(d), Key(k), v)
		}
	}
	return f, nil
}

func (f *File) Get(domain Domain, key Key) ([]byte, bool, error) {
	return f.mem.Get(domain, key)
}

func (f *File) Set(domain Domain, key Key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem.Set(domain, key, value)
	return f.flush()
}

func (f *File) Remove(domain Domain, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem.Remove(domain, key)
	return f.flush()
}

func (f *File) Enumerate(domain Domain, fn func(key Key) (bool, error)) error {
	return f.mem.Enumerate(domain, fn)
}

func (f *File) PurgeDomain(domain Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mem.PurgeDomain(domain)
	return f.flush()
}

func (f *File) flush() error {
	s := snapshot{Version: snapshotVersion, Domains: make(map[uint8]map[uint8][]byte)}
	f.mem.mu.RLock()
	for d, keys := range f.mem.domains {
		m := make(map[uint8][]byte, len(keys))
		for k, v := range keys {
			m[uint8(k)] = v
		}
		s.Domains[uint8(d)] = m
	}
	f.mem.mu.RUnlock()

	b, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}
