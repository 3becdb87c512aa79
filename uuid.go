package hapble

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// hapBaseUUID is 00000000-0000-1000-8000-0026BB765291.
var hapBaseUUID = uuid.UUID{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x26, 0xBB, 0x76, 0x52, 0x91,
}

// HAPUUID returns the full 128-bit form of a short HAP type identifier.
func HAPUUID(short uint32) uuid.UUID {
	u := hapBaseUUID
	binary.BigEndian.PutUint32(u[:4], short)
	return u
}

// IsHAPUUID reports whether u is derived from the HAP base UUID.
func IsHAPUUID(u uuid.UUID) bool {
	for i := 4; i < len(u); i++ {
		if u[i] != hapBaseUUID[i] {
			return false
		}
	}
	return true
}

// uuidBytes returns u in the little-endian byte order used on the air.
func uuidBytes(u uuid.UUID) []byte {
	return reverse(u[:])
}

// reverse returns a reversed copy of u.
func reverse(u []byte) []byte {
	// Special-case 16 bit UUIDS for speed.
	l := len(u)
	if l == 2 {
		return []byte{u[1], u[0]}
	}
	b := make([]byte, l)
	for i := 0; i < l/2+1; i++ {
		b[i], b[l-i-1] = u[l-i-1], u[i]
	}
	return b
}
