package tlv8

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestWriterAppend(t *testing.T) {
	long := bytes.Repeat([]byte{0xaa}, 300)
	cases := []struct {
		typ   byte
		value []byte
		want  string
	}{
		{typ: 0x01, value: []byte{}, want: "0100"},
		{typ: 0x10, value: nil, want: "1000"},
		{typ: 0x09, value: []byte{0x01}, want: "090101"},
		{typ: 0x04, value: long, want: fmt.Sprintf("04ff%x042d%x", long[:255], long[255:])},
	}
	for _, tt := range cases {
		var w Writer
		w.Append(tt.typ, tt.value)
		if got := fmt.Sprintf("%x", w.Bytes()); got != tt.want {
			t.Errorf("Append(0x%02x, %d bytes): got %s want %s", tt.typ, len(tt.value), got, tt.want)
		}
	}
}

func TestDecodeMergesFragments(t *testing.T) {
	long := bytes.Repeat([]byte{0x55}, 256)
	var w Writer
	w.Append(0x01, long)
	w.AppendUint16(0x02, 0x1234)
	items, err := Decode(w.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Decode: got %d items want 2", len(items))
	}
	if !bytes.Equal(items[0].Value, long) {
		t.Errorf("fragmented value: got %d bytes want %d", len(items[0].Value), len(long))
	}
	if got, want := items[1].Value, []byte{0x34, 0x12}; !bytes.Equal(got, want) {
		t.Errorf("uint16 item: got %x want %x", got, want)
	}
}

func TestGetAll(t *testing.T) {
	cases := []struct {
		in      []byte
		types   []byte
		want    map[byte]string
		wantErr bool
	}{
		{in: []byte{0x01, 0x02, 0xaa, 0xbb, 0x09, 0x01, 0x01}, types: []byte{0x01, 0x09}, want: map[byte]string{0x01: "aabb", 0x09: "01"}},
		{in: []byte{0x07, 0x00, 0x01, 0x00}, types: []byte{0x01}, want: map[byte]string{0x01: ""}},
		{in: []byte{0x01, 0x00, 0x02, 0x00, 0x01, 0x00}, types: []byte{0x01}, wantErr: true},
		{in: []byte{0x01, 0x05, 0x00}, types: []byte{0x01}, wantErr: true},
		{in: []byte{0x01}, types: []byte{0x01}, wantErr: true},
	}
	for _, tt := range cases {
		got, err := GetAll(tt.in, tt.types...)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("GetAll(%x): got err %v want ErrInvalid", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("GetAll(%x): %v", tt.in, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("GetAll(%x): got %d items want %d", tt.in, len(got), len(tt.want))
		}
		for typ, want := range tt.want {
			v, ok := got[typ]
			if !ok {
				t.Errorf("GetAll(%x): missing 0x%02x", tt.in, typ)
				continue
			}
			if fmt.Sprintf("%x", v) != want {
				t.Errorf("GetAll(%x)[0x%02x]: got %x want %s", tt.in, typ, v, want)
			}
		}
	}
}
