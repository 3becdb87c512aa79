package hapble

import (
	"encoding/binary"
	"fmt"
)

// An Opcode identifies a HAP procedure.
type Opcode uint8

// HAP-BLE opcodes.
const (
	OpCharacteristicSignatureRead   Opcode = 0x01
	OpCharacteristicWrite           Opcode = 0x02
	OpCharacteristicRead            Opcode = 0x03
	OpCharacteristicTimedWrite      Opcode = 0x04
	OpCharacteristicExecuteWrite    Opcode = 0x05
	OpServiceSignatureRead          Opcode = 0x06
	OpCharacteristicConfiguration   Opcode = 0x07
	OpProtocolConfiguration         Opcode = 0x08
	OpAccessorySignatureRead        Opcode = 0x09
	OpNotificationConfigurationRead Opcode = 0x0A
	OpNotificationRegister          Opcode = 0x0B
	OpNotificationDeregister        Opcode = 0x0C
	OpToken                         Opcode = 0x10
	OpTokenUpdate                   Opcode = 0x11
	OpInfo                          Opcode = 0x12
)

var opcodeName = map[Opcode]string{
	OpCharacteristicSignatureRead:   "HAP-Characteristic-Signature-Read",
	OpCharacteristicWrite:           "HAP-Characteristic-Write",
	OpCharacteristicRead:            "HAP-Characteristic-Read",
	OpCharacteristicTimedWrite:      "HAP-Characteristic-Timed-Write",
	OpCharacteristicExecuteWrite:    "HAP-Characteristic-Execute-Write",
	OpServiceSignatureRead:          "HAP-Service-Signature-Read",
	OpCharacteristicConfiguration:   "HAP-Characteristic-Configuration",
	OpProtocolConfiguration:         "HAP-Protocol-Configuration",
	OpAccessorySignatureRead:        "HAP-Accessory-Signature-Read",
	OpNotificationConfigurationRead: "HAP-Notification-Configuration-Read",
	OpNotificationRegister:          "HAP-Notification-Register",
	OpNotificationDeregister:        "HAP-Notification-Deregister",
	OpToken:                         "HAP-Token",
	OpTokenUpdate:                   "HAP-Token-Update",
	OpInfo:                          "HAP-Info",
}

func (op Opcode) valid() bool {
	_, ok := opcodeName[op]
	return ok
}

func (op Opcode) String() string {
	if s, ok := opcodeName[op]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(0x%02X)", uint8(op))
}

// An operationType is the kind of object an opcode addresses.
type operationType uint8

const (
	operationCharacteristic operationType = iota
	operationService
	operationAccessory
)

func (op Opcode) operationType() operationType {
	switch op {
	case OpServiceSignatureRead, OpProtocolConfiguration:
		return operationService
	case OpAccessorySignatureRead, OpToken, OpTokenUpdate, OpInfo:
		return operationAccessory
	}
	return operationCharacteristic
}

// supportedOnBLE reports whether op may be used over BLE. The
// accessory signature and notification opcodes are IP only.
func (op Opcode) supportedOnBLE() bool {
	switch op {
	case OpAccessorySignatureRead, OpNotificationConfigurationRead,
		OpNotificationRegister, OpNotificationDeregister:
		return false
	}
	return true
}

// A Status is the status of a HAP-BLE response.
type Status uint8

// HAP-BLE response statuses.
const (
	StatusSuccess                    Status = 0x00
	StatusUnsupportedPDU             Status = 0x01
	StatusMaxProcedures              Status = 0x02
	StatusInsufficientAuthorization  Status = 0x03
	StatusInvalidInstanceID          Status = 0x04
	StatusInsufficientAuthentication Status = 0x05
	StatusInvalidRequest             Status = 0x06
	StatusInsufficientResources      Status = 0x07
)

var statusName = []string{
	StatusSuccess:                    "Success",
	StatusUnsupportedPDU:             "Unsupported-PDU",
	StatusMaxProcedures:              "Max-Procedures",
	StatusInsufficientAuthorization:  "Insufficient-Authorization",
	StatusInvalidInstanceID:          "Invalid-Instance-ID",
	StatusInsufficientAuthentication: "Insufficient-Authentication",
	StatusInvalidRequest:             "Invalid-Request",
	StatusInsufficientResources:      "Insufficient-Resources",
}

func (s Status) String() string {
	if int(s) < len(statusName) {
		return statusName[s]
	}
	return fmt.Sprintf("Status(0x%02X)", uint8(s))
}

type pduType uint8

const (
	pduRequest  pduType = 0x00
	pduResponse pduType = 0x02
)

// Control field bits.
const (
	ctrlContinuation = 0x80
	ctrlReserved     = 0x70
	ctrlType         = 0x0E
	ctrlLength       = 0x01
)

// Header sizes.
const (
	requestHeaderLen      = 5 // ctrl, opcode, tid, iid
	responseHeaderLen     = 3 // ctrl, tid, status
	continuationHeaderLen = 2 // ctrl, tid
	bodyLengthLen         = 2
)

// A pdu is one HAP-BLE PDU fragment.
type pdu struct {
	continuation bool
	typ          pduType

	opcode Opcode // request
	iid    uint16 // request
	status Status // response
	tid    uint8

	// totalBody is the length of the complete body; body holds the part
	// carried by this fragment.
	hasBody   bool
	totalBody int
	body      []byte
}

func parseControlField(c byte) (continuation bool, typ pduType, err error) {
	if c&ctrlReserved != 0 {
		return false, 0, fmt.Errorf("%w: invalid reserved bits in control field 0x%02x", ErrInvalidData, c)
	}
	switch pduType(c & ctrlType) {
	case pduRequest:
		typ = pduRequest
	case pduResponse:
		typ = pduResponse
	default:
		return false, 0, fmt.Errorf("%w: invalid PDU type in control field 0x%02x", ErrInvalidData, c)
	}
	if c&ctrlLength != 0 {
		return false, 0, fmt.Errorf("%w: invalid length in control field 0x%02x", ErrInvalidData, c)
	}
	return c&ctrlContinuation != 0, typ, nil
}

// parsePDU parses the first fragment of a PDU.
func parsePDU(b []byte) (*pdu, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: PDU not long enough to contain control field", ErrInvalidData)
	}
	cont, typ, err := parseControlField(b[0])
	if err != nil {
		return nil, err
	}
	if cont {
		return nil, fmt.Errorf("%w: unexpected continuation fragment", ErrInvalidData)
	}
	p := &pdu{typ: typ}
	b = b[1:]
	switch typ {
	case pduRequest:
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: request PDU not long enough to contain fixed params", ErrInvalidData)
		}
		p.opcode = Opcode(b[0])
		p.tid = b[1]
		p.iid = binary.LittleEndian.Uint16(b[2:])
		b = b[4:]
	case pduResponse:
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: response PDU not long enough to contain fixed params", ErrInvalidData)
		}
		p.tid = b[0]
		p.status = Status(b[1])
		b = b[2:]
	}
	if len(b) > 0 {
		if len(b) < bodyLengthLen {
			return nil, fmt.Errorf("%w: PDU not long enough to contain body length", ErrInvalidData)
		}
		p.hasBody = true
		p.totalBody = int(binary.LittleEndian.Uint16(b))
		b = b[bodyLengthLen:]
		n := min(len(b), p.totalBody)
		p.body = b[:n]
		b = b[n:]
	}
	if len(b) > 0 {
		return nil, fmt.Errorf("%w: excess data after PDU", ErrInvalidData)
	}
	return p, nil
}

// parseContinuation parses a continuation fragment of a PDU whose first
// fragment had type first. The body is capped at the bytes still missing.
func parseContinuation(b []byte, first pduType, total, soFar int) (*pdu, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: PDU not long enough to contain control field", ErrInvalidData)
	}
	cont, typ, err := parseControlField(b[0])
	if err != nil {
		return nil, err
	}
	if !cont {
		return nil, fmt.Errorf("%w: expected continuation fragment", ErrInvalidData)
	}
	if typ != first {
		return nil, fmt.Errorf("%w: continuation of different PDU type", ErrInvalidData)
	}
	b = b[1:]
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: continuation PDU not long enough to contain fixed params", ErrInvalidData)
	}
	p := &pdu{continuation: true, typ: typ, tid: b[0], totalBody: total}
	b = b[1:]
	n := min(len(b), total-soFar)
	p.body = b[:n]
	if len(b) > n {
		return nil, fmt.Errorf("%w: excess data after PDU", ErrInvalidData)
	}
	return p, nil
}

// marshal serializes p into at most max bytes.
func (p *pdu) marshal(max int) ([]byte, error) {
	ctrl := byte(p.typ)
	if p.continuation {
		ctrl |= ctrlContinuation
	}
	b := make([]byte, 0, max)
	b = append(b, ctrl)
	switch {
	case p.continuation:
		b = append(b, p.tid)
	case p.typ == pduRequest:
		b = append(b, byte(p.opcode), p.tid)
		b = binary.LittleEndian.AppendUint16(b, p.iid)
	default:
		b = append(b, p.tid, byte(p.status))
	}
	if !p.continuation && p.hasBody {
		b = binary.LittleEndian.AppendUint16(b, uint16(p.totalBody))
	}
	b = append(b, p.body...)
	if len(b) > max {
		return nil, fmt.Errorf("%w: PDU of %d bytes exceeds %d", ErrOutOfResources, len(b), max)
	}
	return b, nil
}
