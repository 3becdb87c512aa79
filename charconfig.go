package hapble

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/XC-/hapble/kvstore"
)

// A stored characteristic configuration holds up to 42 entries:
// [u16 LE aid]([u16 LE cid][u8 interval])*, sorted by cid.
const (
	charConfigMaxBytes = 2 + 3*42 + 1
	charConfigFull     = charConfigMaxBytes - 1 - 3
)

// charConfigStore persists which characteristics have broadcasts enabled.
type charConfigStore struct {
	kv  kvstore.Store
	log *logrus.Entry
}

// find returns the stored configuration of aid and its key.
func (s *charConfigStore) find(aid uint16) (b []byte, key kvstore.Key, found bool, err error) {
	err = s.kv.Enumerate(kvstore.DomainCharacteristicConfiguration, func(k kvstore.Key) (bool, error) {
		v, ok, err := s.kv.Get(kvstore.DomainCharacteristicConfiguration, k)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if len(v) < 2 || len(v) >= charConfigMaxBytes || (len(v)-2)%3 != 0 {
			s.log.Errorf("Invalid characteristic configuration 0x%02X size %d.", k, len(v))
			return false, ErrUnknown
		}
		if binary.LittleEndian.Uint16(v) != aid {
			return true, nil
		}
		b, key, found = v, k, true
		return false, nil
	})
	if err != nil && !errors.Is(err, ErrUnknown) {
		err = fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return b, key, found, err
}

// freeKey returns the lowest key of the domain that is not in use.
func (s *charConfigStore) freeKey() (kvstore.Key, error) {
	used := make(map[kvstore.Key]bool)
	err := s.kv.Enumerate(kvstore.DomainCharacteristicConfiguration, func(k kvstore.Key) (bool, error) {
		used[k] = true
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	for k := 0; k <= 0xFF; k++ {
		if !used[kvstore.Key(k)] {
			return kvstore.Key(k), nil
		}
	}
	return 0, ErrOutOfResources
}

// lookup returns the index of the entry for cid, or the index where it
// would be inserted.
func lookup(b []byte, cid uint16) (i int, ok bool) {
	for i = 2; i < len(b); i += 3 {
		itemCID := binary.LittleEndian.Uint16(b[i:])
		if itemCID < cid {
			continue
		}
		return i, itemCID == cid
	}
	return i, false
}

func (s *charConfigStore) entry(c *Characteristic) *logrus.Entry {
	return s.log.WithFields(charFields(c))
}

// get reports whether broadcasts are enabled for c and at which interval.
func (s *charConfigStore) get(c *Characteristic) (enabled bool, interval BroadcastInterval, err error) {
	b, _, found, err := s.find(uint16(c.service.accessory.aid))
	if err != nil || !found {
		return false, 0, err
	}
	i, ok := lookup(b, c.iid)
	if !ok {
		return false, 0, nil
	}
	interval = BroadcastInterval(b[i+2])
	if !interval.valid() {
		s.entry(c).Errorf("Invalid stored broadcast interval: 0x%02x.", byte(interval))
		return false, 0, ErrUnknown
	}
	return true, interval, nil
}

// enable turns on broadcasts for c at the given interval.
func (s *charConfigStore) enable(c *Characteristic, interval BroadcastInterval) error {
	s.entry(c).Infof("Enabling broadcasts (interval = 0x%02x).", byte(interval))
	aid := uint16(c.service.accessory.aid)
	b, key, found, err := s.find(aid)
	if err != nil {
		return err
	}
	if !found {
		if key, err = s.freeKey(); err != nil {
			return err
		}
		b = binary.LittleEndian.AppendUint16(nil, aid)
	}

	i, ok := lookup(b, c.iid)
	if ok {
		stored := BroadcastInterval(b[i+2])
		if !stored.valid() {
			s.entry(c).Errorf("Invalid stored broadcast interval: 0x%02x.", byte(stored))
			return ErrUnknown
		}
		if stored == interval {
			return nil
		}
		b[i+2] = byte(interval)
		return s.set(key, b)
	}

	if len(b) >= charConfigFull {
		s.entry(c).Error("Not enough space to store characteristic configuration.")
		return ErrUnknown
	}
	item := binary.LittleEndian.AppendUint16(nil, c.iid)
	item = append(item, byte(interval))
	nb := make([]byte, 0, len(b)+3)
	nb = append(nb, b[:i]...)
	nb = append(nb, item...)
	nb = append(nb, b[i:]...)
	return s.set(key, nb)
}

// disable turns off broadcasts for c. The key is removed once no
// characteristic of the accessory has broadcasts enabled.
func (s *charConfigStore) disable(c *Characteristic) error {
	s.entry(c).Info("Disabling broadcasts.")
	b, key, found, err := s.find(uint16(c.service.accessory.aid))
	if err != nil || !found {
		return err
	}
	i, ok := lookup(b, c.iid)
	if !ok {
		return nil
	}
	b = append(b[:i:i], b[i+3:]...)
	if len(b) == 2 {
		if err := s.kv.Remove(kvstore.DomainCharacteristicConfiguration, key); err != nil {
			return fmt.Errorf("%w: %v", ErrUnknown, err)
		}
		return nil
	}
	return s.set(key, b)
}

func (s *charConfigStore) set(key kvstore.Key, b []byte) error {
	if err := s.kv.Set(kvstore.DomainCharacteristicConfiguration, key, b); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return nil
}
