package hapble

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// A Format is the value format of a characteristic.
type Format uint8

// Characteristic value formats.
const (
	FormatData Format = iota
	FormatBool
	FormatUInt8
	FormatUInt16
	FormatUInt32
	FormatUInt64
	FormatInt
	FormatFloat
	FormatString
	FormatTLV8
)

var formatName = []string{
	FormatData:   "Data",
	FormatBool:   "Bool",
	FormatUInt8:  "UInt8",
	FormatUInt16: "UInt16",
	FormatUInt32: "UInt32",
	FormatUInt64: "UInt64",
	FormatInt:    "Int",
	FormatFloat:  "Float",
	FormatString: "String",
	FormatTLV8:   "TLV8",
}

func (f Format) String() string {
	if int(f) < len(formatName) {
		return formatName[f]
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// Bluetooth SIG presentation format codes.
var formatCode = []byte{
	FormatData:   0x1B,
	FormatBool:   0x01,
	FormatUInt8:  0x04,
	FormatUInt16: 0x06,
	FormatUInt32: 0x08,
	FormatUInt64: 0x0A,
	FormatInt:    0x10,
	FormatFloat:  0x14,
	FormatString: 0x19,
	FormatTLV8:   0x1B,
}

// A Unit is the unit of a numeric characteristic.
type Unit uint8

// Characteristic units.
const (
	UnitNone Unit = iota
	UnitCelsius
	UnitArcDegrees
	UnitPercentage
	UnitLux
	UnitSeconds
)

// Bluetooth SIG unit codes.
var unitCode = []uint16{
	UnitNone:       0x2700,
	UnitCelsius:    0x272F,
	UnitArcDegrees: 0x2763,
	UnitPercentage: 0x27AD,
	UnitLux:        0x2731,
	UnitSeconds:    0x2703,
}

// A Value is a characteristic value. The concrete types are
// Bool, UInt8, UInt16, UInt32, UInt64, Int, Float, String, Data and TLV8.
type Value interface {
	Format() Format
}

type (
	Bool   bool
	UInt8  uint8
	UInt16 uint16
	UInt32 uint32
	UInt64 uint64
	Int    int32
	Float  float32
	String string
	Data   []byte
	TLV8   []byte
)

func (Bool) Format() Format   { return FormatBool }
func (UInt8) Format() Format  { return FormatUInt8 }
func (UInt16) Format() Format { return FormatUInt16 }
func (UInt32) Format() Format { return FormatUInt32 }
func (UInt64) Format() Format { return FormatUInt64 }
func (Int) Format() Format    { return FormatInt }
func (Float) Format() Format  { return FormatFloat }
func (String) Format() Format { return FormatString }
func (Data) Format() Format   { return FormatData }
func (TLV8) Format() Format   { return FormatTLV8 }

// encodeValue returns the little-endian wire form of v.
func encodeValue(v Value) []byte {
	switch v := v.(type) {
	case Bool:
		if v {
			return []byte{1}
		}
		return []byte{0}
	case UInt8:
		return []byte{byte(v)}
	case UInt16:
		return binary.LittleEndian.AppendUint16(nil, uint16(v))
	case UInt32:
		return binary.LittleEndian.AppendUint32(nil, uint32(v))
	case UInt64:
		return binary.LittleEndian.AppendUint64(nil, uint64(v))
	case Int:
		return binary.LittleEndian.AppendUint32(nil, uint32(v))
	case Float:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v)))
	case String:
		return []byte(v)
	case Data:
		return append([]byte(nil), v...)
	case TLV8:
		return append([]byte(nil), v...)
	}
	panic(fmt.Sprintf("unexpected value type %T", v))
}

var fixedSize = map[Format]int{
	FormatBool:   1,
	FormatUInt8:  1,
	FormatUInt16: 2,
	FormatUInt32: 4,
	FormatUInt64: 8,
	FormatInt:    4,
	FormatFloat:  4,
}

// decodeValue parses the wire form of a value of format f.
func decodeValue(f Format, b []byte) (Value, error) {
	if n, ok := fixedSize[f]; ok && len(b) != n {
		return nil, fmt.Errorf("%w: %s value of %d bytes", ErrInvalidData, f, len(b))
	}
	switch f {
	case FormatBool:
		if b[0] > 1 {
			return nil, fmt.Errorf("%w: bool value %d", ErrInvalidData, b[0])
		}
		return Bool(b[0] == 1), nil
	case FormatUInt8:
		return UInt8(b[0]), nil
	case FormatUInt16:
		return UInt16(binary.LittleEndian.Uint16(b)), nil
	case FormatUInt32:
		return UInt32(binary.LittleEndian.Uint32(b)), nil
	case FormatUInt64:
		return UInt64(binary.LittleEndian.Uint64(b)), nil
	case FormatInt:
		return Int(int32(binary.LittleEndian.Uint32(b))), nil
	case FormatFloat:
		return Float(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case FormatString:
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w: string is not UTF-8", ErrInvalidData)
		}
		return String(b), nil
	case FormatData:
		return Data(append([]byte(nil), b...)), nil
	case FormatTLV8:
		return TLV8(append([]byte(nil), b...)), nil
	}
	return nil, fmt.Errorf("%w: format %s", ErrInvalidData, f)
}

// broadcastValue packs v into the 8 value bytes of an encrypted
// broadcast notification, zero padded. Formats of variable length
// cannot be broadcast.
func broadcastValue(v Value) (b [8]byte, ok bool) {
	switch v := v.(type) {
	case Bool, UInt8, UInt16, UInt32, UInt64, Int, Float:
		copy(b[:], encodeValue(v))
		return b, true
	case String, Data, TLV8:
		return b, false
	}
	return b, false
}
