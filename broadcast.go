package hapble

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/poly1305"

	"github.com/XC-/hapble/kvstore"
)

// A BroadcastInterval is the advertising interval used while a broadcast
// notification of a characteristic is active.
type BroadcastInterval uint8

// Broadcast intervals, as encoded in characteristic configuration.
const (
	BroadcastInterval20ms   BroadcastInterval = 0x01
	BroadcastInterval1280ms BroadcastInterval = 0x02
	BroadcastInterval2560ms BroadcastInterval = 0x03
)

func (i BroadcastInterval) valid() bool {
	return i >= BroadcastInterval20ms && i <= BroadcastInterval2560ms
}

// Duration returns the advertising interval.
func (i BroadcastInterval) Duration() time.Duration {
	switch i {
	case BroadcastInterval1280ms:
		return 1280 * time.Millisecond
	case BroadcastInterval2560ms:
		return 2560 * time.Millisecond
	}
	return 20 * time.Millisecond
}

// BroadcastKey is a broadcast encryption key.
type BroadcastKey [32]byte

const broadcastParamsLen = 2 + 32 + 1 + 6

const broadcastKeyInfo = "Broadcast-Encryption-Key"

// broadcastParams is the persisted form
// [u16 LE keyExpiration][32 key][u8 flags][6 advertisingID].
type broadcastParams struct {
	keyExpiration uint16
	key           BroadcastKey
	hasAdvID      bool
	advID         DeviceID
}

func (p *broadcastParams) marshal() []byte {
	b := make([]byte, broadcastParamsLen)
	binary.LittleEndian.PutUint16(b, p.keyExpiration)
	copy(b[2:34], p.key[:])
	if p.hasAdvID {
		b[34] = 0x01
	}
	copy(b[35:], p.advID[:])
	return b
}

// broadcastStore manages the broadcast encryption key and advertising ID.
type broadcastStore struct {
	kv       kvstore.Store
	log      *logrus.Entry
	deviceID DeviceID
	gsn      *gsnStore
}

func (s *broadcastStore) load() (broadcastParams, error) {
	var p broadcastParams
	b, found, err := s.kv.Get(kvstore.DomainConfiguration, kvstore.KeyBLEBroadcastParameters)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if !found {
		return p, nil
	}
	if len(b) != broadcastParamsLen {
		s.log.Errorf("Invalid BLE broadcast state length: %d.", len(b))
		return p, ErrUnknown
	}
	p.keyExpiration = binary.LittleEndian.Uint16(b)
	copy(p.key[:], b[2:34])
	p.hasAdvID = b[34]&0x01 != 0
	copy(p.advID[:], b[35:])
	return p, nil
}

func (s *broadcastStore) save(p broadcastParams) error {
	if err := s.kv.Set(kvstore.DomainConfiguration, kvstore.KeyBLEBroadcastParameters, p.marshal()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return nil
}

// parameters returns the key expiration GSN, the key and the advertising
// ID. The key is only valid when keyExpiration is not 0. The advertising
// ID defaults to the device ID.
func (s *broadcastStore) parameters() (keyExpiration uint16, key BroadcastKey, advID DeviceID, err error) {
	p, err := s.load()
	if err != nil {
		return 0, key, advID, err
	}
	if p.keyExpiration != 0 {
		key = p.key
	}
	advID = s.deviceID
	if p.hasAdvID {
		advID = p.advID
	}
	return p.keyExpiration, key, advID, nil
}

func (s *broadcastStore) keyExpiration() (uint16, error) {
	p, err := s.load()
	return p.keyExpiration, err
}

// generateKey derives a fresh broadcast key from the key material of a
// secured session. The key expires after 32767 GSN increments.
func (s *broadcastStore) generateKey(m KeyMaterial, advID *DeviceID) error {
	p, err := s.load()
	if err != nil {
		return err
	}
	gsn, err := s.gsn.get()
	if err != nil {
		return err
	}
	exp := uint32(gsn.Value) + 32767 - 1
	if exp > 0xFFFF {
		exp -= 0xFFFF
	}
	p.keyExpiration = uint16(exp)
	p.key, err = deriveBroadcastKey(m.SharedSecret, m.ControllerLTPK)
	if err != nil {
		return err
	}
	if advID != nil {
		p.hasAdvID = true
		p.advID = *advID
	}
	s.log.WithField("keyExpirationGSN", p.keyExpiration).Info("Generated broadcast encryption key.")
	return s.save(p)
}

func (s *broadcastStore) setAdvertisingID(advID DeviceID) error {
	p, err := s.load()
	if err != nil {
		return err
	}
	p.hasAdvID = true
	p.advID = advID
	return s.save(p)
}

func (s *broadcastStore) expireKey() error {
	s.log.Info("Expiring broadcast encryption key.")
	p, err := s.load()
	if err != nil {
		return err
	}
	p.keyExpiration = 0
	p.key = BroadcastKey{}
	return s.save(p)
}

func deriveBroadcastKey(sharedSecret, controllerLTPK []byte) (BroadcastKey, error) {
	var key BroadcastKey
	r := hkdf.New(sha512.New, sharedSecret, controllerLTPK, []byte(broadcastKeyInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return key, nil
}

func broadcastNonce(gsn uint16) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], uint64(gsn))
	return nonce
}

// sealBroadcast encrypts plaintext in place and returns the truncated
// 4-byte authentication tag.
func sealBroadcast(key BroadcastKey, advID DeviceID, gsn uint16, plaintext []byte) ([4]byte, error) {
	var tag [4]byte
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return tag, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	out := aead.Seal(nil, broadcastNonce(gsn), plaintext, advID[:])
	copy(plaintext, out)
	copy(tag[:], out[len(plaintext):])
	return tag, nil
}

// OpenBroadcastNotification authenticates and decrypts the encrypted part
// of a broadcast notification as seen by a controller. The nonce is
// derived from gsn. It returns the plaintext [u16 GSN][u16 IID][8 value].
func OpenBroadcastNotification(key BroadcastKey, advID DeviceID, gsn uint16, ciphertext []byte, tag [4]byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], broadcastNonce(gsn))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	// Block 0 keys Poly1305, the payload starts at block 1.
	var polyKey [32]byte
	c.XORKeyStream(polyKey[:], polyKey[:])
	c.SetCounter(1)

	sum := broadcastMAC(&polyKey, advID[:], ciphertext)
	if subtle.ConstantTimeCompare(sum[:len(tag)], tag[:]) != 1 {
		return nil, fmt.Errorf("%w: broadcast notification authentication failed", ErrInvalidData)
	}
	plaintext := make([]byte, len(ciphertext))
	c.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// broadcastMAC computes the ChaCha20-Poly1305 tag over aad and ciphertext.
func broadcastMAC(key *[32]byte, aad, ciphertext []byte) [poly1305.TagSize]byte {
	var pad [16]byte
	m := poly1305.New(key)
	m.Write(aad)
	m.Write(pad[:(16-len(aad)%16)%16])
	m.Write(ciphertext)
	m.Write(pad[:(16-len(ciphertext)%16)%16])
	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[:8], uint64(len(aad)))
	binary.LittleEndian.PutUint64(lengths[8:], uint64(len(ciphertext)))
	m.Write(lengths[:])
	var sum [poly1305.TagSize]byte
	m.Sum(sum[:0])
	return sum
}
