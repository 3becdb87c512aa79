package kvstore

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	if _, found, err := s.Get(DomainConfiguration, KeyBLEGSN); err != nil || found {
		t.Fatalf("Get on empty store: found %v err %v", found, err)
	}

	cases := []struct {
		domain Domain
		key    Key
		value  []byte
	}{
		{domain: DomainConfiguration, key: KeyBLEGSN, value: []byte{0x01, 0x00, 0x00}},
		{domain: DomainConfiguration, key: KeyBLEBroadcastParameters, value: make([]byte, 41)},
		{domain: DomainCharacteristicConfiguration, key: 3, value: []byte{0x01, 0x00, 0x0a, 0x00, 0x02}},
		{domain: DomainCharacteristicConfiguration, key: 0, value: []byte{0x01, 0x00}},
	}
	for _, tt := range cases {
		if err := s.Set(tt.domain, tt.key, tt.value); err != nil {
			t.Fatalf("Set(%x, %x): %v", tt.domain, tt.key, err)
		}
	}
	for _, tt := range cases {
		got, found, err := s.Get(tt.domain, tt.key)
		if err != nil || !found {
			t.Fatalf("Get(%x, %x): found %v err %v", tt.domain, tt.key, found, err)
		}
		if !bytes.Equal(got, tt.value) {
			t.Errorf("Get(%x, %x): got %x want %x", tt.domain, tt.key, got, tt.value)
		}
	}

	var keys []Key
	err := s.Enumerate(DomainCharacteristicConfiguration, func(k Key) (bool, error) {
		keys = append(keys, k)
		return true, nil
	})
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if want := []Key{0, 3}; !reflect.DeepEqual(keys, want) {
		t.Errorf("Enumerate: got %v want %v", keys, want)
	}

	if err := s.Remove(DomainConfiguration, KeyBLEGSN); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, _ := s.Get(DomainConfiguration, KeyBLEGSN); found {
		t.Errorf("Get after Remove: found")
	}

	if err := s.PurgeDomain(DomainCharacteristicConfiguration); err != nil {
		t.Fatalf("PurgeDomain: %v", err)
	}
	if _, found, _ := s.Get(DomainCharacteristicConfiguration, 3); found {
		t.Errorf("Get after PurgeDomain: found")
	}
	if _, found, _ := s.Get(DomainConfiguration, KeyBLEBroadcastParameters); !found {
		t.Errorf("PurgeDomain removed another domain")
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryEnumerateStop(t *testing.T) {
	m := NewMemory()
	for k := Key(0); k < 5; k++ {
		m.Set(DomainCharacteristicConfiguration, k, []byte{byte(k)})
	}
	n := 0
	m.Enumerate(DomainCharacteristicConfiguration, func(k Key) (bool, error) {
		n++
		return k < 2, nil
	})
	if n != 3 {
		t.Errorf("Enumerate visited %d keys, want 3", n)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	exerciseStore(t, f)

	if err := f.Set(DomainConfiguration, KeyBLEGSN, []byte{0x05, 0x00, 0x01}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile (reopen): %v", err)
	}
	got, found, err := reopened.Get(DomainConfiguration, KeyBLEGSN)
	if err != nil || !found {
		t.Fatalf("Get after reopen: found %v err %v", found, err)
	}
	if want := []byte{0x05, 0x00, 0x01}; !bytes.Equal(got, want) {
		t.Errorf("Get after reopen: got %x want %x", got, want)
	}
}

func TestFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	if err := os.WriteFile(path, []byte{0xff, 0x00}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Errorf("OpenFile on corrupt file: want error")
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("HAPBLE_REDIS_ADDR")
	if addr == "" {
		t.Skip("HAPBLE_REDIS_ADDR not set")
	}
	r, err := NewRedis(addr, "", 0, "hapble-test")
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()
	r.PurgeDomain(DomainConfiguration)
	r.PurgeDomain(DomainCharacteristicConfiguration)
	exerciseStore(t, r)
}
