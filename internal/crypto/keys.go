// Package crypto implements the authentication handshake and packet
// encryption of game connections: an X25519 key exchange, optionally mixed
// with a password or checked against authorized client keys, followed by
// XChaCha20-Poly1305 on every packet.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 secret and public keys.
	KeySize = 32
	// NonceSize is the size of the XChaCha20 nonces exchanged during the handshake.
	NonceSize = 24
	// MACSize is the size of a Poly1305 tag.
	MACSize = 16
	// MessageSize is the size of the proof message in the auth response.
	MessageSize = 8
)

var ErrInvalidKey = errors.New("invalid key")

// SecretKey is an X25519 private key.
type SecretKey [KeySize]byte

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// GenerateSecretKey creates a random secret key.
func GenerateSecretKey() (SecretKey, error) {
	var k SecretKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generating secret key: %w", err)
	}
	return k, nil
}

// PublicKey derives the public key.
func (k SecretKey) PublicKey() PublicKey {
	var pub PublicKey
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		// Only fails for low order points, never for the base point.
		panic(err)
	}
	copy(pub[:], out)
	return pub
}

// Hex encodes the key as upper-case hex.
func (k SecretKey) Hex() string { return strings.ToUpper(hex.EncodeToString(k[:])) }

// Hex encodes the key as upper-case hex.
func (k PublicKey) Hex() string { return strings.ToUpper(hex.EncodeToString(k[:])) }

// ParseSecretKey decodes a hex secret key.
func ParseSecretKey(s string) (SecretKey, error) {
	var k SecretKey
	return k, decodeKey(k[:], s)
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	return k, decodeKey(k[:], s)
}

func decodeKey(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(b))
	}
	copy(dst, b)
	return nil
}

// derivedKeys are the per-direction symmetric keys of one connection.
type derivedKeys struct {
	clientToServer [KeySize]byte
	serverToClient [KeySize]byte
}

// deriveKeys hashes the shared secret, both public keys and the optional
// password into the two direction keys.
func deriveKeys(secret SecretKey, peer PublicKey, clientPub, serverPub PublicKey, password string) (derivedKeys, error) {
	var keys derivedKeys
	shared, err := curve25519.X25519(secret[:], peer[:])
	if err != nil {
		return keys, fmt.Errorf("key exchange: %w", err)
	}

	h, err := blake2b.New512(nil)
	if err != nil {
		return keys, fmt.Errorf("creating hash: %w", err)
	}
	h.Write(shared)
	h.Write(clientPub[:])
	h.Write(serverPub[:])
	h.Write([]byte(password))
	sum := h.Sum(nil)

	copy(keys.clientToServer[:], sum[:KeySize])
	copy(keys.serverToClient[:], sum[KeySize:])
	return keys, nil
}
