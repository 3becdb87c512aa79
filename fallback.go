package hapble

import (
	"encoding/binary"
	"fmt"

	"github.com/XC-/hapble/timer"
)

type fallbackStatus uint8

const (
	fallbackMaxProcedures fallbackStatus = iota
	fallbackInvalidInstanceID
	fallbackZeroIIDServiceSignatureRead
)

// A fallbackProcedure answers a request to a characteristic while the
// full procedure is busy with another one. It only tracks the framing of
// the request and answers with a canned response; values are never
// touched.
type fallbackProcedure struct {
	timer     timer.Handle
	remaining int
	tid       uint8
	status    fallbackStatus
}

func (f *fallbackProcedure) active() bool { return f.timer != 0 }

// handleWrite consumes one plaintext request fragment. svcIID and
// charIID are the instance IDs of the addressed attribute.
func (f *fallbackProcedure) handleWrite(b []byte, first bool, svcIID, charIID uint16) error {
	if !first {
		if len(b) < continuationHeaderLen {
			return fmt.Errorf("%w: fallback continuation too short", ErrInvalidData)
		}
		if b[0] != ctrlContinuation {
			return fmt.Errorf("%w: unexpected control field 0x%02x", ErrInvalidData, b[0])
		}
		if b[1] != f.tid {
			return fmt.Errorf("%w: continuation fragment has different TID", ErrInvalidData)
		}
		n := len(b) - continuationHeaderLen
		if f.remaining < n {
			return fmt.Errorf("%w: excess body data", ErrInvalidData)
		}
		f.remaining -= n
		return nil
	}

	if len(b) < requestHeaderLen {
		return fmt.Errorf("%w: fallback request too short", ErrInvalidData)
	}
	if b[0] != byte(pduRequest) {
		return fmt.Errorf("%w: unexpected control field 0x%02x", ErrInvalidData, b[0])
	}
	op := Opcode(b[1])
	f.tid = b[2]
	f.status = fallbackMaxProcedures
	iid := binary.LittleEndian.Uint16(b[3:])
	if op.valid() {
		expected := charIID
		if op.operationType() == operationService {
			expected = svcIID
		}
		if iid != expected {
			f.status = fallbackInvalidInstanceID
			if op == OpServiceSignatureRead && iid == 0 {
				f.status = fallbackZeroIIDServiceSignatureRead
			}
		}
	}
	f.remaining = 0
	if len(b) > requestHeaderLen {
		if len(b) < requestHeaderLen+bodyLengthLen {
			return fmt.Errorf("%w: fallback request body length truncated", ErrInvalidData)
		}
		total := int(binary.LittleEndian.Uint16(b[requestHeaderLen:]))
		n := len(b) - requestHeaderLen - bodyLengthLen
		if total < n {
			return fmt.Errorf("%w: excess body data", ErrInvalidData)
		}
		f.remaining = total - n
	}
	return nil
}

// response returns the plaintext response PDU.
func (f *fallbackProcedure) response() ([]byte, error) {
	if f.remaining != 0 {
		return nil, fmt.Errorf("%w: read before request was complete", ErrInvalidState)
	}
	b := []byte{byte(pduResponse), f.tid, 0}
	switch f.status {
	case fallbackMaxProcedures:
		b[2] = byte(StatusMaxProcedures)
	case fallbackInvalidInstanceID:
		b[2] = byte(StatusInvalidInstanceID)
	case fallbackZeroIIDServiceSignatureRead:
		b[2] = byte(StatusSuccess)
		b = binary.LittleEndian.AppendUint16(b, 2)
		b = append(b, tlvLinkedServices, 0)
	}
	return b, nil
}

func (f fallbackStatus) String() string {
	switch f {
	case fallbackInvalidInstanceID:
		return "Invalid-Instance-ID"
	case fallbackZeroIIDServiceSignatureRead:
		return "Zero-IID-Service-Signature-Read"
	}
	return "Max-Procedures"
}
