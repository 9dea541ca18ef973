package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PacketEncryption seals one direction of a connection. Every packet uses the
// base nonce with a per-packet counter mixed into its last eight bytes, so both
// ends must process packets in the same order, which the stream guarantees.
type PacketEncryption struct {
	aead    cipher.AEAD
	nonce   [NonceSize]byte
	counter uint64
}

// NewPacketEncryption creates the encryption for one direction.
func NewPacketEncryption(key [KeySize]byte, nonce [NonceSize]byte) (*PacketEncryption, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	return &PacketEncryption{aead: aead, nonce: nonce}, nil
}

func (e *PacketEncryption) MACSize() int { return MACSize }

func (e *PacketEncryption) nextNonce() []byte {
	n := e.nonce
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], e.counter)
	for i := range ctr {
		n[NonceSize-8+i] ^= ctr[i]
	}
	e.counter++
	return n[:]
}

// Encrypt seals message in place and stores the tag in mac.
func (e *PacketEncryption) Encrypt(mac, message []byte) {
	sealed := e.aead.Seal(nil, e.nextNonce(), message, nil)
	copy(message, sealed[:len(message)])
	copy(mac, sealed[len(message):])
}

// Decrypt opens message in place; it returns false when the tag does not verify.
func (e *PacketEncryption) Decrypt(mac, message []byte) bool {
	combined := make([]byte, 0, len(message)+len(mac))
	combined = append(combined, message...)
	combined = append(combined, mac...)
	plain, err := e.aead.Open(combined[:0], e.nextNonce(), combined, nil)
	if err != nil {
		return false
	}
	copy(message, plain)
	return true
}
