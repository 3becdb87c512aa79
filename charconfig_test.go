package hapble

import (
	"errors"
	"fmt"
	"testing"

	"github.com/XC-/hapble/kvstore"
)

func newTestCharConfig(kv kvstore.Store) *charConfigStore {
	return &charConfigStore{kv: kv, log: testLogger().WithField("category", "test")}
}

func storedConfig(t *testing.T, kv kvstore.Store, key kvstore.Key) string {
	t.Helper()
	b, found, err := kv.Get(kvstore.DomainCharacteristicConfiguration, key)
	if err != nil {
		t.Fatalf("Get(%d): %v", key, err)
	}
	if !found {
		return ""
	}
	return fmt.Sprintf("%x", b)
}

func TestCharConfig(t *testing.T) {
	ta := newTestAccessory()
	kv := kvstore.NewMemory()
	s := newTestCharConfig(kv)

	steps := []struct {
		c        *Characteristic
		enable   bool
		interval BroadcastInterval
		want     string
	}{
		{c: ta.hue, enable: true, interval: BroadcastInterval1280ms, want: "0100350002"},
		{c: ta.on, enable: true, interval: BroadcastInterval20ms, want: "0100330001350002"},
		{c: ta.brightness, enable: true, interval: BroadcastInterval2560ms, want: "0100330001340003350002"},
		{c: ta.brightness, enable: true, interval: BroadcastInterval20ms, want: "0100330001340001350002"},
		{c: ta.on, enable: false, want: "0100340001350002"},
		{c: ta.on, enable: false, want: "0100340001350002"},
		{c: ta.hue, enable: false, want: "0100340001"},
		{c: ta.brightness, enable: false, want: ""},
	}
	for i, tt := range steps {
		var err error
		if tt.enable {
			err = s.enable(tt.c, tt.interval)
		} else {
			err = s.disable(tt.c)
		}
		if err != nil {
			t.Fatalf("%d: %v", i, err)
		}
		if got := storedConfig(t, kv, 0); got != tt.want {
			t.Errorf("%d: stored %q want %q", i, got, tt.want)
		}
		enabled, interval, err := s.get(tt.c)
		if err != nil {
			t.Fatalf("%d: get: %v", i, err)
		}
		if enabled != tt.enable || (tt.enable && interval != tt.interval) {
			t.Errorf("%d: get(%d): got (%v, %d) want (%v, %d)", i, tt.c.iid, enabled, interval, tt.enable, tt.interval)
		}
	}
}

func TestCharConfigFreeKey(t *testing.T) {
	ta := newTestAccessory()
	kv := kvstore.NewMemory()
	s := newTestCharConfig(kv)
	kv.Set(kvstore.DomainCharacteristicConfiguration, 0, []byte{0x02, 0x00, 0x33, 0x00, 0x01})

	if err := s.enable(ta.on, BroadcastInterval1280ms); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if got, want := storedConfig(t, kv, 0), "0200330001"; got != want {
		t.Errorf("other accessory: got %q want %q", got, want)
	}
	if got, want := storedConfig(t, kv, 1), "0100330002"; got != want {
		t.Errorf("new key: got %q want %q", got, want)
	}
}

func TestCharConfigCorrupt(t *testing.T) {
	ta := newTestAccessory()
	cases := []struct {
		desc  string
		value []byte
	}{
		{desc: "invalid interval", value: []byte{0x01, 0x00, 0x33, 0x00, 0x09}},
		{desc: "truncated entry", value: []byte{0x01, 0x00, 0x33}},
		{desc: "no aid", value: []byte{0x01}},
	}
	for _, tt := range cases {
		kv := kvstore.NewMemory()
		s := newTestCharConfig(kv)
		kv.Set(kvstore.DomainCharacteristicConfiguration, 0, tt.value)
		if _, _, err := s.get(ta.on); !errors.Is(err, ErrUnknown) {
			t.Errorf("%s: get: got %v want %v", tt.desc, err, ErrUnknown)
		}
	}
}
