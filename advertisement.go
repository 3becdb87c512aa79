package hapble

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MaxEIRPacketLength is the maximum allowed advertising packet
// and scan response packet length.
const MaxEIRPacketLength = 31

// advertising data field types
const (
	typeFlags            = 0x01 // Flags
	typeShortName        = 0x08 // Shortened Local Name
	typeCompleteName     = 0x09 // Complete Local Name
	typeManufacturerData = 0xFF // Manufacturer Specific Data
)

// flag bits
const (
	flagLimitedDiscoverable = 1 << iota // LE Limited Discoverable Mode
	flagGeneralDiscoverable             // LE General Discoverable Mode
	flagLEOnly                          // BR/EDR Not Supported. Bit 37 of LMP Feature Mask Definitions (Page 0)
)

// Manufacturer data of HAP advertisements.
const (
	companyIDApple            = 0x004C
	advTypeRegular            = 0x06
	advTypeEncryptedBroadcast = 0x11
	compatibleVersion         = 0x02
)

// An AdvertisingInterval is an advertising interval in units of 0.625ms.
type AdvertisingInterval uint16

// Valid range of LE advertising intervals.
const (
	minAdvertisingInterval AdvertisingInterval = 0x0020
	maxAdvertisingInterval AdvertisingInterval = 0x4000
)

// AdvertisingIntervalFromDuration converts d to the nearest lower interval.
func AdvertisingIntervalFromDuration(d time.Duration) AdvertisingInterval {
	return AdvertisingInterval(d * 8 / (5 * time.Millisecond))
}

// Duration returns the interval as a time.Duration.
func (i AdvertisingInterval) Duration() time.Duration {
	return time.Duration(i) * 5 * time.Millisecond / 8
}

func (i AdvertisingInterval) String() string {
	us := i.Duration().Microseconds()
	return fmt.Sprintf("%d.%03d ms", us/1000, us%1000)
}

// AdvertisingParameters describe what the platform should advertise.
// When Active is false, advertising must stop and the other fields are
// zero.
type AdvertisingParameters struct {
	Active       bool
	Interval     AdvertisingInterval
	Data         []byte
	ScanResponse []byte
}

// regularAdvertisement holds the inputs of a regular advertisement.
type regularAdvertisement struct {
	paired   bool
	deviceID DeviceID
	category Category
	gsn      uint16
	cn       uint32
	setupID  string
	name     string
}

type advPacket struct {
	data []byte
}

// appendField appends a BLE advertising packet field.
func (p *advPacket) appendField(typ byte, data []byte) {
	// A field consists of len, typ, data.
	// Len is 1 byte for typ plus len(data).
	p.data = append(p.data, byte(len(data)+1))
	p.data = append(p.data, typ)
	p.data = append(p.data, data...)
}

func (p *advPacket) appendManufacturerData(cid uint16, data []byte) {
	d := append([]byte{uint8(cid), uint8(cid >> 8)}, data...)
	p.appendField(typeManufacturerData, d)
}

func flagsField(p *advPacket) {
	p.appendField(typeFlags, []byte{flagGeneralDiscoverable | flagLEOnly})
}

// setupHash returns the first 4 bytes of SHA-512(setupID || deviceID).
func setupHash(setupID string, id DeviceID) []byte {
	sum := sha512.Sum512([]byte(setupID + id.String()))
	return sum[:4]
}

// compactCN folds the configuration number into 1..255.
func compactCN(cn uint32) byte {
	return byte((cn-1)%255 + 1)
}

// marshal returns the advertising data and the scan response. The local
// name is shortened to fit; the scan response then carries as much of
// the name as fits into its own packet.
func (r *regularAdvertisement) marshal() (adv, sr []byte) {
	p := new(advPacket)
	flagsField(p)

	hasSetupID := r.setupID != ""
	d := []byte{advTypeRegular, 0x2D}
	var sf byte
	if !r.paired {
		sf = 0x01
	}
	d = append(d, sf)
	d = append(d, r.deviceID[:]...)
	d = binary.LittleEndian.AppendUint16(d, uint16(r.category))
	d = binary.LittleEndian.AppendUint16(d, r.gsn)
	d = append(d, compactCN(r.cn), compatibleVersion)
	if hasSetupID {
		d[1] += 4
		d = append(d, setupHash(r.setupID, r.deviceID)...)
	}
	p.appendManufacturerData(companyIDApple, d)

	name := []byte(r.name)
	maxName := MaxEIRPacketLength - len(p.data) - 2
	if len(name) > maxName {
		s := new(advPacket)
		if n := MaxEIRPacketLength - 2; len(name) > n {
			s.appendField(typeShortName, name[:n])
		} else {
			s.appendField(typeCompleteName, name)
		}
		sr = s.data
		p.appendField(typeShortName, name[:maxName])
	} else {
		p.appendField(typeCompleteName, name)
	}
	return p.data, sr
}

// encryptedNotification returns the advertising data of a broadcast
// notification. The GSN, IID and value are encrypted with the broadcast
// key, authenticated with the advertising ID.
func encryptedNotification(key BroadcastKey, advID DeviceID, gsn, iid uint16, value [8]byte) ([]byte, error) {
	p := new(advPacket)
	flagsField(p)

	ev := binary.LittleEndian.AppendUint16(make([]byte, 0, 12), gsn)
	ev = binary.LittleEndian.AppendUint16(ev, iid)
	ev = append(ev, value[:]...)
	tag, err := sealBroadcast(key, advID, gsn, ev)
	if err != nil {
		return nil, err
	}

	d := []byte{advTypeEncryptedBroadcast, 0x36}
	d = append(d, advID[:]...)
	d = append(d, ev...)
	d = append(d, tag[:]...)
	p.appendManufacturerData(companyIDApple, d)
	return p.data, nil
}

// An Advertisement is a parsed advertising packet, as seen by a scanner.
type Advertisement struct {
	Flags            byte
	LocalName        string
	CompleteName     bool
	ManufacturerData []byte
}

// Unmarshal merges the fields of b into a. It can be called with the
// advertising data and then the scan response.
func (a *Advertisement) Unmarshal(b []byte) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return errors.New("invalid advertise data")
		}
		l, t := b[0], b[1]
		if l == 0 || len(b) < int(1+l) {
			return errors.New("invalid advertise data")
		}
		d := b[2 : 1+l]
		switch t {
		case typeFlags:
			if len(d) > 0 {
				a.Flags = d[0]
			}
		case typeShortName:
			if len(d) > len(a.LocalName) {
				a.LocalName = string(d)
			}
		case typeCompleteName:
			a.LocalName = string(d)
			a.CompleteName = true
		case typeManufacturerData:
			a.ManufacturerData = append([]byte(nil), d...)
		}
		b = b[1+l:]
	}
	return nil
}
