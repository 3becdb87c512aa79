package hapble

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyMaterial is the pairing state a broadcast encryption key is derived
// from.
type KeyMaterial struct {
	SharedSecret   []byte
	ControllerLTPK []byte
}

// A SecureChannel is the security session established by Pair-Verify.
// Control messages carry a 16-byte authentication tag.
type SecureChannel interface {
	// IsTransient reports whether the session came from a Pair-Setup that
	// only allows reading the setup characteristics.
	IsTransient() bool

	// IsAdmin reports whether the controller has admin permissions.
	IsAdmin() bool

	// EncryptControlMessage seals b and returns ciphertext and tag.
	EncryptControlMessage(b []byte) ([]byte, error)

	// DecryptControlMessage opens b, which ends with the tag.
	DecryptControlMessage(b []byte) ([]byte, error)

	// BroadcastKeyMaterial returns the material to derive a broadcast
	// encryption key from.
	BroadcastKeyMaterial() (KeyMaterial, error)
}

// ControlChannel is a SecureChannel using ChaCha20-Poly1305 with 64-bit
// message counters as nonces, one key per direction.
type ControlChannel struct {
	Admin     bool
	Transient bool
	Material  KeyMaterial

	seal, open         cipher.AEAD
	sealCount, openCnt uint64
}

// NewControlChannel returns a channel sealing with sealKey and opening
// with openKey. The peer uses the same keys swapped.
func NewControlChannel(sealKey, openKey []byte) (*ControlChannel, error) {
	seal, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	open, err := chacha20poly1305.New(openKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &ControlChannel{seal: seal, open: open}, nil
}

func controlNonce(n uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return nonce
}

func (c *ControlChannel) IsTransient() bool { return c.Transient }

func (c *ControlChannel) IsAdmin() bool { return c.Admin }

func (c *ControlChannel) EncryptControlMessage(b []byte) ([]byte, error) {
	out := c.seal.Seal(nil, controlNonce(c.sealCount), b, nil)
	c.sealCount++
	return out, nil
}

func (c *ControlChannel) DecryptControlMessage(b []byte) ([]byte, error) {
	if len(b) < tagSize {
		return nil, fmt.Errorf("%w: control message shorter than tag", ErrInvalidData)
	}
	out, err := c.open.Open(nil, controlNonce(c.openCnt), b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: control message authentication failed", ErrInvalidData)
	}
	c.openCnt++
	return out, nil
}

func (c *ControlChannel) BroadcastKeyMaterial() (KeyMaterial, error) {
	if len(c.Material.SharedSecret) == 0 {
		return KeyMaterial{}, fmt.Errorf("%w: no shared secret", ErrInvalidState)
	}
	return c.Material, nil
}
