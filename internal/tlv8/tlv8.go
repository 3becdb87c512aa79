// Package tlv8 encodes and decodes the 8-bit type-length-value items
// carried in HAP-BLE PDU bodies. Values longer than 255 bytes are split
// into consecutive fragments of the same type.
package tlv8

import (
	"errors"
	"fmt"
)

// ErrInvalid is returned for malformed TLV8 data.
var ErrInvalid = errors.New("tlv8: invalid data")

const maxFragment = 255

// A Writer accumulates TLV8 items.
type Writer struct {
	data []byte
}

// Append adds one item, fragmenting long values.
func (w *Writer) Append(typ byte, value []byte) {
	for {
		n := len(value)
		if n > maxFragment {
			n = maxFragment
		}
		w.data = append(w.data, typ, byte(n))
		w.data = append(w.data, value[:n]...)
		value = value[n:]
		if len(value) == 0 {
			return
		}
	}
}

// AppendUint8 adds a one-byte item.
func (w *Writer) AppendUint8(typ, v byte) {
	w.Append(typ, []byte{v})
}

// AppendUint16 adds a two-byte little-endian item.
func (w *Writer) AppendUint16(typ byte, v uint16) {
	w.Append(typ, []byte{byte(v), byte(v >> 8)})
}

// Bytes returns the encoded items.
func (w *Writer) Bytes() []byte { return w.data }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.data) }

// An Item is one decoded, defragmented TLV8 item.
type Item struct {
	Type  byte
	Value []byte
}

// Decode splits b into items, merging fragments.
func Decode(b []byte) ([]Item, error) {
	var items []Item
	lastFull := false
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: truncated header", ErrInvalid)
		}
		typ, n := b[0], int(b[1])
		if len(b) < 2+n {
			return nil, fmt.Errorf("%w: item 0x%02x truncated", ErrInvalid, typ)
		}
		v := b[2 : 2+n]
		if lastFull && len(items) > 0 && items[len(items)-1].Type == typ {
			last := &items[len(items)-1]
			last.Value = append(last.Value, v...)
		} else {
			items = append(items, Item{Type: typ, Value: append([]byte{}, v...)})
		}
		lastFull = n == maxFragment
		b = b[2+n:]
	}
	return items, nil
}

// GetAll decodes b and returns the values of the requested types.
// Other types are skipped. A requested type that appears twice is an error.
func GetAll(b []byte, types ...byte) (map[byte][]byte, error) {
	items, err := Decode(b)
	if err != nil {
		return nil, err
	}
	want := make(map[byte]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make(map[byte][]byte, len(types))
	for _, it := range items {
		if !want[it.Type] {
			continue
		}
		if _, dup := out[it.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate item 0x%02x", ErrInvalid, it.Type)
		}
		out[it.Type] = it.Value
	}
	return out, nil
}
