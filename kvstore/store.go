// Package kvstore provides the persistent key-value stores backing the
// accessory server: an in-memory store, a Redis hash store and a CBOR
// snapshot file.
package kvstore

// Domain groups related keys.
type Domain uint8

// Key identifies an entry within a domain.
type Key uint8

// Well-known domains.
const (
	DomainConfiguration               Domain = 0x90
	DomainCharacteristicConfiguration Domain = 0x92
)

// Keys of DomainConfiguration.
const (
	KeyDeviceID               Key = 0x00
	KeyConfigurationNumber    Key = 0x01
	KeyBLEGSN                 Key = 0x02
	KeyBLEBroadcastParameters Key = 0x04
)

// A Store persists small binary values grouped by domain.
// Get reports found == false for absent entries; that is not an error.
type Store interface {
	Get(domain Domain, key Key) (value []byte, found bool, err error)
	Set(domain Domain, key Key, value []byte) error
	Remove(domain Domain, key Key) error

	// Enumerate calls fn for every key of domain until fn returns false
	// or an error.
	Enumerate(domain Domain, fn func(key Key) (bool, error)) error

	PurgeDomain(domain Domain) error
}
