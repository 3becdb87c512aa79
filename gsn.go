package hapble

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/XC-/hapble/kvstore"
)

// A GSN is a snapshot of the global state number.
type GSN struct {
	// Value never is 0; it wraps from 65535 to 1.
	Value uint16

	// DidIncrementConnected reports whether the GSN has been
	// incremented during the current connection.
	DidIncrementConnected bool

	// DidIncrementDisconnected reports whether the GSN has been
	// incremented since the accessory was last disconnected.
	DidIncrementDisconnected bool
}

// gsnStore persists the GSN as [u16 LE value][u8 flags]; bit 0 of flags
// is the disconnected did-increment flag. The connected flag lives in
// memory only.
type gsnStore struct {
	kv    kvstore.Store
	bcast *broadcastStore
	log   *logrus.Entry

	didIncrementConnected bool
}

func (g *gsnStore) get() (GSN, error) {
	b, found, err := g.kv.Get(kvstore.DomainConfiguration, kvstore.KeyBLEGSN)
	if err != nil {
		return GSN{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	gsn := GSN{Value: 1, DidIncrementConnected: g.didIncrementConnected}
	if !found {
		return gsn, nil
	}
	if len(b) != 3 {
		g.log.Errorf("Invalid GSN length: %d.", len(b))
		return GSN{}, ErrUnknown
	}
	gsn.Value = binary.LittleEndian.Uint16(b)
	gsn.DidIncrementDisconnected = b[2]&0x01 != 0
	return gsn, nil
}

func (g *gsnStore) put(gsn GSN) error {
	b := binary.LittleEndian.AppendUint16(make([]byte, 0, 3), gsn.Value)
	var flags byte
	if gsn.DidIncrementDisconnected {
		flags |= 0x01
	}
	b = append(b, flags)
	if err := g.kv.Set(kvstore.DomainConfiguration, kvstore.KeyBLEGSN, b); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	g.didIncrementConnected = gsn.DidIncrementConnected
	return nil
}

// increment bumps the GSN and sets the did-increment flag of the current
// connection state. The broadcast key expires once the GSN moves past its
// expiration value.
func (g *gsnStore) increment(connected bool) (GSN, error) {
	gsn, err := g.get()
	if err != nil {
		return GSN{}, err
	}
	keyExpiration, err := g.bcast.keyExpiration()
	if err != nil {
		return GSN{}, err
	}
	if keyExpiration != 0 && gsn.Value == keyExpiration {
		if err := g.bcast.expireKey(); err != nil {
			return GSN{}, err
		}
	}

	if gsn.Value == 0xFFFF {
		gsn.Value = 1
	} else {
		gsn.Value++
	}
	if connected {
		if gsn.DidIncrementConnected {
			g.log.Info("GSN increment flag is already set to 1. GSN may have been unnecessarily incremented.")
		}
		gsn.DidIncrementConnected = true
	} else {
		if gsn.DidIncrementDisconnected {
			g.log.Info("GSN increment flag is already set to 1. GSN may have been unnecessarily incremented.")
		}
		gsn.DidIncrementDisconnected = true
	}
	if err := g.put(gsn); err != nil {
		g.log.WithError(err).Error("Failed to update GSN and GSN increment flag. Future GSN might go out of sync.")
		return GSN{}, ErrUnknown
	}
	g.log.WithField("gsn", gsn.Value).Debug("GSN incremented.")
	return gsn, nil
}

// flag returns the did-increment flag of the given connection state.
func (g *gsnStore) flag(connected bool) (bool, error) {
	gsn, err := g.get()
	if err != nil {
		return false, err
	}
	if connected {
		return gsn.DidIncrementConnected, nil
	}
	return gsn.DidIncrementDisconnected, nil
}

// setFlag updates the did-increment flag of the given connection state.
func (g *gsnStore) setFlag(connected, v bool) error {
	gsn, err := g.get()
	if err != nil {
		return err
	}
	if connected {
		gsn.DidIncrementConnected = v
	} else {
		gsn.DidIncrementDisconnected = v
	}
	return g.put(gsn)
}

// clearFlags clears both did-increment flags.
func (g *gsnStore) clearFlags() error {
	gsn, err := g.get()
	if err != nil {
		return err
	}
	gsn.DidIncrementConnected = false
	gsn.DidIncrementDisconnected = false
	return g.put(gsn)
}
