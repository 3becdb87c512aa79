package hapble

import (
	"encoding/binary"
	"fmt"

	"github.com/XC-/hapble/internal/tlv8"
)

// HAP-Characteristic-Configuration TLV types.
const (
	charConfigProperties = 0x01
	charConfigInterval   = 0x02

	charConfigEnableBroadcasts = 0x0001
)

// HAP-Protocol-Configuration TLV types.
const (
	protoConfigGenerateKey = 0x01
	protoConfigGetAll      = 0x02
	protoConfigSetAdvID    = 0x03

	protoConfigStateNumber  = 0x01
	protoConfigConfigNumber = 0x02
	protoConfigAdvID        = 0x03
	protoConfigKey          = 0x04
)

// handleCharacteristicConfiguration applies a
// HAP-Characteristic-Configuration request to c.
func (s *AccessoryServer) handleCharacteristicConfiguration(c *Characteristic, body []byte) error {
	log := s.log.pdu.WithFields(charFields(c))
	tlvs, err := tlv8.GetAll(body, charConfigProperties, charConfigInterval)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	props, hasProps := tlvs[charConfigProperties]
	iv, hasInterval := tlvs[charConfigInterval]
	if !hasProps {
		if hasInterval {
			log.Info("Excess HAP-Characteristic-Configuration-Param-Broadcast-Interval (no properties present).")
			return ErrInvalidData
		}
		return nil
	}
	if len(props) != 2 {
		log.Infof("HAP-Characteristic-Configuration-Param-Properties has invalid length (%d).", len(props))
		return ErrInvalidData
	}
	p := binary.LittleEndian.Uint16(props)
	if p&^charConfigEnableBroadcasts != 0 {
		log.Infof("HAP-Characteristic-Configuration-Param-Properties invalid: %d.", p)
		return ErrInvalidData
	}
	if p&charConfigEnableBroadcasts == 0 {
		if hasInterval {
			log.Info("Excess HAP-Characteristic-Configuration-Param-Broadcast-Interval (disabling broadcasts).")
			return ErrInvalidData
		}
		if c.has(PropBroadcastNotification) {
			return s.ccfg.disable(c)
		}
		return nil
	}

	interval := BroadcastInterval20ms
	if hasInterval {
		if len(iv) != 1 {
			log.Infof("HAP-Characteristic-Configuration-Param-Broadcast-Interval has invalid length (%d).", len(iv))
			return ErrInvalidData
		}
		interval = BroadcastInterval(iv[0])
		if !interval.valid() {
			log.Infof("HAP-Characteristic-Configuration-Param-Broadcast-Interval invalid: %d.", iv[0])
			return ErrInvalidData
		}
	}
	if !c.has(PropBroadcastNotification) {
		log.Info("Controller requested enabling broadcasts on characteristic that does not support it.")
		return ErrInvalidData
	}
	return s.ccfg.enable(c, interval)
}

// characteristicConfiguration returns the HAP-Characteristic-Configuration
// response body of c.
func (s *AccessoryServer) characteristicConfiguration(c *Characteristic) ([]byte, error) {
	var w tlv8.Writer
	var props uint16
	if c.has(PropBroadcastNotification) {
		enabled, interval, err := s.ccfg.get(c)
		if err != nil {
			return nil, err
		}
		if enabled {
			props |= charConfigEnableBroadcasts
			w.AppendUint8(charConfigInterval, byte(interval))
		}
	}
	w.AppendUint16(charConfigProperties, props)
	return w.Bytes(), nil
}

// handleProtocolConfiguration applies a HAP-Protocol-Configuration
// request and reports whether the controller asked for all parameters.
func (s *AccessoryServer) handleProtocolConfiguration(sess *Session, body []byte) (getAll bool, err error) {
	tlvs, err := tlv8.GetAll(body, protoConfigGenerateKey, protoConfigGetAll, protoConfigSetAdvID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	generate := false
	if v, ok := tlvs[protoConfigGenerateKey]; ok {
		if len(v) != 0 {
			return false, fmt.Errorf("%w: Generate-Broadcast-Encryption-Key has invalid length (%d)", ErrInvalidData, len(v))
		}
		generate = true
	}
	if v, ok := tlvs[protoConfigGetAll]; ok {
		if len(v) != 0 {
			return false, fmt.Errorf("%w: Get-All-Params has invalid length (%d)", ErrInvalidData, len(v))
		}
		getAll = true
	}
	var advID *DeviceID
	if v, ok := tlvs[protoConfigSetAdvID]; ok {
		if len(v) != len(DeviceID{}) {
			return false, fmt.Errorf("%w: Set-Accessory-Advertising-Identifier has invalid length (%d)", ErrInvalidData, len(v))
		}
		advID = new(DeviceID)
		copy(advID[:], v)
	}

	switch {
	case generate:
		if !sess.IsSecured() {
			return false, ErrInvalidState
		}
		m, err := sess.channel.BroadcastKeyMaterial()
		if err != nil {
			return false, err
		}
		if err := s.bcast.generateKey(m, advID); err != nil {
			return false, err
		}
	case advID != nil:
		if err := s.bcast.setAdvertisingID(*advID); err != nil {
			return false, err
		}
	}
	return getAll, nil
}

// protocolConfiguration returns the HAP-Protocol-Configuration response
// body listing all parameters.
func (s *AccessoryServer) protocolConfiguration() ([]byte, error) {
	gsn, err := s.gsn.get()
	if err != nil {
		return nil, err
	}
	cn, err := s.configurationNumber()
	if err != nil {
		return nil, err
	}
	keyExpiration, key, advID, err := s.bcast.parameters()
	if err != nil {
		return nil, err
	}
	var w tlv8.Writer
	w.AppendUint16(protoConfigStateNumber, gsn.Value)
	w.AppendUint8(protoConfigConfigNumber, compactCN(cn))
	w.Append(protoConfigAdvID, advID[:])
	if keyExpiration != 0 {
		w.Append(protoConfigKey, key[:])
	}
	return w.Bytes(), nil
}
