package hapble

import (
	"encoding/binary"
	"fmt"

	"github.com/XC-/hapble/internal/tlv8"
)

// TLV types of HAP-BLE PDU bodies.
const (
	tlvValue               = 0x01
	tlvAuthorizationData   = 0x02
	tlvOrigin              = 0x03
	tlvCharacteristicType  = 0x04
	tlvCharacteristicIID   = 0x05
	tlvServiceType         = 0x06
	tlvServiceIID          = 0x07
	tlvTTL                 = 0x08
	tlvReturnResponse      = 0x09
	tlvCharacteristicProps = 0x0A
	tlvUserDescription     = 0x0B
	tlvPresentationFormat  = 0x0C
	tlvValidRange          = 0x0D
	tlvStep                = 0x0E
	tlvServiceProps        = 0x0F
	tlvLinkedServices      = 0x10
)

// HAP-Info response TLV types.
const (
	infoStateNumber  = 0x01
	infoConfigNumber = 0x02
	infoDeviceID     = 0x03
	infoFeatureFlags = 0x04
	infoModelName    = 0x05
	infoProtocolVer  = 0x06
	infoStatusFlag   = 0x07
	infoCategory     = 0x08
	infoSetupHash    = 0x09
)

// maxValueBytes bounds written characteristic values.
const maxValueBytes = 64000

// characteristicSignature returns the HAP-Characteristic-Signature-Read
// response body of c.
func characteristicSignature(c *Characteristic) []byte {
	var w tlv8.Writer
	w.Append(tlvCharacteristicType, uuidBytes(c.typ))
	w.AppendUint16(tlvServiceIID, c.service.iid)
	w.Append(tlvServiceType, uuidBytes(c.service.typ))
	w.AppendUint16(tlvCharacteristicProps, uint16(c.props))
	if c.desc != "" {
		w.Append(tlvUserDescription, []byte(c.desc))
	}
	w.Append(tlvPresentationFormat, presentationFormat(c))
	if r := c.valid; r != nil {
		if r.Min != nil && r.Max != nil {
			w.Append(tlvValidRange, append(encodeValue(r.Min), encodeValue(r.Max)...))
		}
		if r.Step != nil {
			w.Append(tlvStep, encodeValue(r.Step))
		}
	}
	return w.Bytes()
}

// presentationFormat is the GATT presentation format descriptor
// [format][exponent][unit LE16][namespace][description LE16].
func presentationFormat(c *Characteristic) []byte {
	unit := UnitNone
	switch c.format {
	case FormatUInt8, FormatUInt16, FormatUInt32, FormatUInt64, FormatInt, FormatFloat:
		unit = c.unit
	}
	b := []byte{formatCode[c.format], 0}
	b = binary.LittleEndian.AppendUint16(b, unitCode[unit])
	return append(b, 1, 0, 0)
}

// serviceSignature returns the HAP-Service-Signature-Read response body.
// svc is nil when the request addressed an unknown service.
func serviceSignature(svc *Service) []byte {
	var w tlv8.Writer
	var props uint16
	var linked []uint16
	if svc != nil {
		props = uint16(svc.props)
		linked = svc.linked
	}
	if props != 0 || len(linked) > 0 {
		w.AppendUint16(tlvServiceProps, props)
	}
	b := make([]byte, 0, 2*len(linked))
	for _, iid := range linked {
		b = binary.LittleEndian.AppendUint16(b, iid)
	}
	w.Append(tlvLinkedServices, b)
	return w.Bytes()
}

// writeParams is a parsed HAP-Characteristic-Write request body.
type writeParams struct {
	value          []byte
	remote         bool
	authData       []byte
	ttl            uint8
	returnResponse bool
}

func parseWriteBody(c *Characteristic, body []byte) (writeParams, error) {
	var p writeParams
	tlvs, err := tlv8.GetAll(body, tlvValue, tlvAuthorizationData, tlvOrigin, tlvTTL, tlvReturnResponse)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	value, ok := tlvs[tlvValue]
	if !ok {
		return p, fmt.Errorf("%w: HAP-Param-Value missing", ErrInvalidData)
	}
	p.value = value
	if o, ok := tlvs[tlvOrigin]; ok {
		if len(o) != 1 || o[0] > 1 {
			return p, fmt.Errorf("%w: HAP-Param-Origin invalid", ErrInvalidData)
		}
		p.remote = o[0] == 1
	}
	if a, ok := tlvs[tlvAuthorizationData]; ok && c.has(PropSupportsAuthorizationData) {
		p.authData = a
	}
	if t, ok := tlvs[tlvTTL]; ok {
		if len(t) != 1 {
			return p, fmt.Errorf("%w: HAP-Param-TTL has invalid length (%d)", ErrInvalidData, len(t))
		}
		p.ttl = t[0]
	}
	if r, ok := tlvs[tlvReturnResponse]; ok {
		if len(r) != 1 || r[0] != 1 {
			return p, fmt.Errorf("%w: HAP-Param-Return-Response invalid", ErrInvalidData)
		}
		p.returnResponse = true
	}
	if len(p.value) > maxValueBytes {
		return p, fmt.Errorf("%w: value exceeds maximum length (%d/%d bytes)", ErrInvalidData, len(p.value), maxValueBytes)
	}
	return p, nil
}

// infoResponse returns the HAP-Info response body.
func (s *AccessoryServer) infoResponse() ([]byte, error) {
	gsn, err := s.gsn.get()
	if err != nil {
		return nil, err
	}
	cn, err := s.configurationNumber()
	if err != nil {
		return nil, err
	}
	var w tlv8.Writer
	w.AppendUint16(infoStateNumber, gsn.Value)
	w.AppendUint16(infoConfigNumber, uint16(cn))
	w.Append(infoDeviceID, s.deviceID[:])
	w.AppendUint8(infoFeatureFlags, 0)
	w.Append(infoModelName, []byte(s.acc.model))
	w.Append(infoProtocolVer, []byte(bleProtocolVersion))
	var status byte
	if !s.paired() {
		status |= 0x01
	}
	w.AppendUint8(infoStatusFlag, status)
	w.AppendUint16(infoCategory, uint16(s.acc.category))
	if s.setupID != "" {
		w.Append(infoSetupHash, setupHash(s.setupID, s.deviceID))
	}
	return w.Bytes(), nil
}
