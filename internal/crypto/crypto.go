// Package crypto provides key derivation and record encryption for Transit.
// Subkeys are derived with HKDF-SHA256 and records are sealed with
// XSalsa20-Poly1305 (NaCl secretbox).
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of transit keys and all derived subkeys in bytes.
	KeySize = 32

	// NonceSize is the size of a secretbox nonce in bytes.
	NonceSize = 24

	// Overhead is the number of bytes a sealed record adds on top of the
	// plaintext: the nonce prefix plus the Poly1305 tag.
	Overhead = NonceSize + secretbox.Overhead
)

// HKDF info strings for the Transit subkeys. These are fixed by the wire
// protocol and shared with every other Transit implementation.
const (
	infoTransitKeySuffix = "/transit-key"
	infoSenderHandshake  = "transit_sender"
	infoRecvHandshake    = "transit_receiver"
	infoSenderRecord     = "transit_record_sender_key"
	infoRecvRecord       = "transit_record_receiver_key"
	infoRelayHandshake   = "transit_relay"
)

var (
	// ErrDecryptFailed is returned when a sealed record fails authentication.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrRecordTooShort is returned when a sealed record is shorter than
	// the nonce prefix plus the authentication tag.
	ErrRecordTooShort = errors.New("sealed record too short")

	// ErrInvalidKeyLength is returned when key material has the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length: expected 32 bytes")
)

// Nonce is a secretbox nonce in the little-endian wire encoding: byte 0 is
// the least significant byte of the counter.
type Nonce [NonceSize]byte

// Nudge increments the nonce as a little-endian integer. Wrap-around is not
// a concern in a 192-bit space.
func (n *Nonce) Nudge() {
	for i := 0; i < NonceSize; i++ {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// NonceFromUint64 returns the little-endian nonce for a small counter value.
func NonceFromUint64(v uint64) Nonce {
	var n Nonce
	for i := 0; i < 8; i++ {
		n[i] = byte(v >> (8 * i))
	}
	return n
}

// HKDF derives length bytes from ikm using HKDF-SHA256 per RFC 5869.
func HKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// Subkey derives a 32-byte subkey from key with the given info string.
func Subkey(key []byte, info string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	return HKDF(nil, key, []byte(info), KeySize)
}

// DeriveTransitKey derives the transit key from the Wormhole session key and
// the application ID. This is the root of every other Transit subkey.
func DeriveTransitKey(appID string, sessionKey []byte) ([]byte, error) {
	if len(sessionKey) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	return HKDF(nil, sessionKey, []byte(appID+infoTransitKeySuffix), KeySize)
}

// TransitKeys holds every subkey a single transfer needs. Derived once at
// connection setup; all fields are read-only afterwards.
type TransitKeys struct {
	SenderHandshake   []byte
	ReceiverHandshake []byte
	SenderRecord      []byte
	ReceiverRecord    []byte
	RelayHandshake    []byte
}

// DeriveTransitKeys derives the full subkey set from a 32-byte transit key.
func DeriveTransitKeys(transitKey []byte) (*TransitKeys, error) {
	if len(transitKey) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	keys := &TransitKeys{}
	for _, d := range []struct {
		dst  *[]byte
		info string
	}{
		{&keys.SenderHandshake, infoSenderHandshake},
		{&keys.ReceiverHandshake, infoRecvHandshake},
		{&keys.SenderRecord, infoSenderRecord},
		{&keys.ReceiverRecord, infoRecvRecord},
		{&keys.RelayHandshake, infoRelayHandshake},
	} {
		k, err := Subkey(transitKey, d.info)
		if err != nil {
			return nil, err
		}
		*d.dst = k
	}
	return keys, nil
}

// Encrypt seals plaintext under key with the given nonce and returns the
// wire form: the 24-byte little-endian nonce followed by ciphertext and tag.
func Encrypt(key []byte, nonce Nonce, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	var k [KeySize]byte
	copy(k[:], key)
	n := [NonceSize]byte(nonce)

	out := make([]byte, 0, NonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &n, &k), nil
}

// Decrypt splits a sealed record into its nonce prefix and ciphertext,
// verifies the tag, and returns the plaintext and the nonce the sender used.
func Decrypt(key []byte, sealed []byte) ([]byte, Nonce, error) {
	var nonce Nonce
	if len(key) != KeySize {
		return nil, nonce, ErrInvalidKeyLength
	}
	if len(sealed) < Overhead {
		return nil, nonce, ErrRecordTooShort
	}

	var k [KeySize]byte
	copy(k[:], key)
	copy(nonce[:], sealed[:NonceSize])
	n := [NonceSize]byte(nonce)

	plaintext, ok := secretbox.Open(nil, sealed[NonceSize:], &n, &k)
	if !ok {
		return nil, nonce, ErrDecryptFailed
	}
	return plaintext, nonce, nil
}
