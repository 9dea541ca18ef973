// Package protocol implements the framing shared by every sub-protocol:
// a size field, a one byte packet type and a little-endian payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// EncryptionHandler seals and opens packet bodies once a connection switched to encryption.
type EncryptionHandler interface {
	// MACSize is the number of bytes the authentication tag occupies after the size field.
	MACSize() int
	// Encrypt seals message in place and writes the tag into mac.
	Encrypt(mac, message []byte)
	// Decrypt opens message in place; false means the tag did not verify.
	Decrypt(mac, message []byte) bool
}

// Owner is the socket handler that sends or receives a packet.
// A nil Owner means the packet is never encrypted.
type Owner interface {
	SendEncryption() EncryptionHandler
	ReceiveEncryption() EncryptionHandler
}

var (
	ErrPacketTooLarge = errors.New("packet larger than limit")
	ErrPacketTooSmall = errors.New("packet smaller than header")
	ErrSizeMismatch   = errors.New("packet size does not match datagram length")
	ErrDecrypt        = errors.New("packet authentication failed")
)

// Packet is one message on the wire, either under construction for sending or
// being reassembled and consumed after receiving.
//
// Writes beyond the limit are programmer errors and panic. Reads beyond the
// available data return zero values and flag the packet as malformed.
type Packet struct {
	owner     Owner
	buf       []byte
	pos       int
	limit     int
	macSize   int
	malformed bool
}

// New creates a packet for sending with the given type.
func New(owner Owner, packetType uint8, limit int) *Packet {
	p := &Packet{owner: owner, limit: limit}
	if owner != nil {
		if enc := owner.SendEncryption(); enc != nil {
			p.macSize = enc.MACSize()
		}
	}
	p.buf = make([]byte, SizeFieldLen+p.macSize, min(limit, 64))
	p.buf = append(p.buf, packetType)
	return p
}

// NewReceive creates an empty packet that TransferIn fills from a stream.
func NewReceive(owner Owner, limit int) *Packet {
	return &Packet{
		owner: owner,
		buf:   make([]byte, SizeFieldLen),
		limit: limit,
	}
}

// FromDatagram wraps one complete datagram and prepares it for reading.
func FromDatagram(owner Owner, data []byte, limit int) (*Packet, error) {
	p := &Packet{owner: owner, buf: data, limit: limit, pos: len(data)}
	if !p.HasPacketSizeData() {
		return nil, ErrPacketTooSmall
	}
	size, _, err := DecodeSize(data)
	if err != nil {
		return nil, fmt.Errorf("decoding size: %w", err)
	}
	if size != len(data) {
		return nil, ErrSizeMismatch
	}
	if err := p.ParsePacketSize(); err != nil {
		return nil, err
	}
	if err := p.PrepareToRead(); err != nil {
		return nil, err
	}
	return p, nil
}

// CanWriteToPacket reports whether n more bytes fit within the limit.
func (p *Packet) CanWriteToPacket(n int) bool {
	total := len(p.buf) + n
	if total > MaxShortSize {
		total += ExtendedSizeFieldLen - SizeFieldLen
	}
	return total <= p.limit
}

func (p *Packet) mustFit(n int) {
	if !p.CanWriteToPacket(n) {
		panic(fmt.Sprintf("protocol: writing %d bytes exceeds packet limit %d (size %d)", n, p.limit, len(p.buf)))
	}
}

func (p *Packet) SendBool(v bool) {
	if v {
		p.SendUint8(1)
		return
	}
	p.SendUint8(0)
}

func (p *Packet) SendUint8(v uint8) {
	p.mustFit(1)
	p.buf = append(p.buf, v)
}

func (p *Packet) SendUint16(v uint16) {
	p.mustFit(2)
	p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
}

func (p *Packet) SendUint32(v uint32) {
	p.mustFit(4)
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *Packet) SendUint64(v uint64) {
	p.mustFit(8)
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

// SendString writes a string as a 16-bit byte length followed by the bytes.
func (p *Packet) SendString(s string) {
	if len(s) > 0xFFFF {
		panic("protocol: string longer than 65535 bytes")
	}
	p.mustFit(2 + len(s))
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

// SendBuffer writes a byte slice with a 16-bit length prefix.
func (p *Packet) SendBuffer(data []byte) {
	if len(data) > 0xFFFF {
		panic("protocol: buffer longer than 65535 bytes")
	}
	p.mustFit(2 + len(data))
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(data)))
	p.buf = append(p.buf, data...)
}

// SendBytes writes as many raw bytes as fit and returns the part that did not.
func (p *Packet) SendBytes(data []byte) []byte {
	n := max(0, min(p.limit-len(p.buf), len(data)))
	if len(p.buf)+n > MaxShortSize {
		n = max(0, min(n, p.limit-len(p.buf)-(ExtendedSizeFieldLen-SizeFieldLen)))
	}
	p.buf = append(p.buf, data[:n]...)
	return data[n:]
}

// PrepareToSend encrypts the body when needed and writes the size field.
// After this the packet is ready for TransferOut.
func (p *Packet) PrepareToSend() {
	if p.macSize > 0 && p.owner != nil {
		if enc := p.owner.SendEncryption(); enc != nil {
			enc.Encrypt(p.buf[SizeFieldLen:SizeFieldLen+p.macSize], p.buf[SizeFieldLen+p.macSize:])
		}
	}

	size := len(p.buf)
	if size > MaxShortSize {
		size += ExtendedSizeFieldLen - SizeFieldLen
		grown := make([]byte, size)
		copy(grown[ExtendedSizeFieldLen:], p.buf[SizeFieldLen:])
		p.buf = grown
	}
	if _, err := EncodeSize(p.buf, size); err != nil {
		panic(fmt.Sprintf("protocol: %v", err))
	}
	p.pos = 0
}

// HasPacketSizeData reports whether the complete size field has been received.
// Extended size fields grow the receive buffer so TransferIn fetches the second word.
func (p *Packet) HasPacketSizeData() bool {
	if p.pos < SizeFieldLen {
		return false
	}
	if !IsExtendedSize(p.buf) {
		return true
	}
	if len(p.buf) < ExtendedSizeFieldLen {
		p.buf = append(p.buf, 0, 0)
	}
	return p.pos >= ExtendedSizeFieldLen
}

func (p *Packet) receiveMACSize() int {
	if p.owner == nil {
		return 0
	}
	if enc := p.owner.ReceiveEncryption(); enc != nil {
		return enc.MACSize()
	}
	return 0
}

// ParsePacketSize validates the received size field and sizes the buffer for the body.
func (p *Packet) ParsePacketSize() error {
	size, fieldLen, err := DecodeSize(p.buf)
	if err != nil {
		return fmt.Errorf("parsing packet size: %w", err)
	}
	if size > p.limit {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, size, p.limit)
	}
	if size < fieldLen+p.receiveMACSize()+TypeLen {
		return fmt.Errorf("%w: %d", ErrPacketTooSmall, size)
	}
	if len(p.buf) < size {
		grown := make([]byte, size)
		copy(grown, p.buf)
		p.buf = grown
	} else {
		p.buf = p.buf[:size]
	}
	return nil
}

// PrepareToRead decrypts the body when needed and positions the cursor at the type byte.
func (p *Packet) PrepareToRead() error {
	_, fieldLen, err := DecodeSize(p.buf)
	if err != nil {
		return fmt.Errorf("parsing packet size: %w", err)
	}
	p.pos = fieldLen
	if p.owner == nil {
		return nil
	}
	enc := p.owner.ReceiveEncryption()
	if enc == nil {
		return nil
	}
	mac := enc.MACSize()
	if len(p.buf) < fieldLen+mac+TypeLen {
		return ErrPacketTooSmall
	}
	if !enc.Decrypt(p.buf[fieldLen:fieldLen+mac], p.buf[fieldLen+mac:]) {
		return ErrDecrypt
	}
	p.pos += mac
	return nil
}

// GetPacketType reads the type byte.
func (p *Packet) GetPacketType() uint8 {
	return p.RecvUint8()
}

// Size is the number of bytes in the buffer.
func (p *Packet) Size() int {
	return len(p.buf)
}

// Bytes returns the underlying buffer.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Malformed reports whether a read ran past the end of the packet.
func (p *Packet) Malformed() bool {
	return p.malformed
}

// CanReadFromPacket reports whether n more bytes are available. When closeConn
// is set a short packet is flagged as malformed, which closes the connection.
func (p *Packet) CanReadFromPacket(n int, closeConn bool) bool {
	if p.malformed {
		return false
	}
	if p.pos+n > len(p.buf) {
		if closeConn {
			p.malformed = true
		}
		return false
	}
	return true
}

// RemainingBytesToRead is the number of unread payload bytes.
func (p *Packet) RemainingBytesToRead() int {
	return max(0, len(p.buf)-p.pos)
}

func (p *Packet) RecvBool() bool {
	return p.RecvUint8() != 0
}

func (p *Packet) RecvUint8() uint8 {
	if !p.CanReadFromPacket(1, true) {
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *Packet) RecvUint16() uint16 {
	if !p.CanReadFromPacket(2, true) {
		return 0
	}
	v := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2
	return v
}

func (p *Packet) RecvUint32() uint32 {
	if !p.CanReadFromPacket(4, true) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *Packet) RecvUint64() uint64 {
	if !p.CanReadFromPacket(8, true) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

// RecvString reads a length-prefixed string. maxLength includes the legacy
// terminator, so at most maxLength-1 bytes are kept; longer strings are truncated.
// Invalid UTF-8 and control characters are replaced with '?'.
func (p *Packet) RecvString(maxLength int) string {
	n := int(p.RecvUint16())
	if p.malformed {
		return ""
	}
	if !p.CanReadFromPacket(n, true) {
		n = len(p.buf) - p.pos
	}
	data := p.buf[p.pos : p.pos+n]
	p.pos += n
	if maxLength > 0 && len(data) > maxLength-1 {
		data = data[:maxLength-1]
	}
	return validateString(data)
}

// RecvBuffer reads a byte slice written by SendBuffer.
func (p *Packet) RecvBuffer() []byte {
	n := int(p.RecvUint16())
	if !p.CanReadFromPacket(n, true) {
		return nil
	}
	data := make([]byte, n)
	copy(data, p.buf[p.pos:])
	p.pos += n
	return data
}

// RecvBytes fills dst with raw bytes and returns how many were available.
func (p *Packet) RecvBytes(dst []byte) int {
	n := copy(dst, p.buf[min(p.pos, len(p.buf)):])
	p.pos += n
	if n < len(dst) {
		p.malformed = true
	}
	return n
}

// RemainingBytesToTransfer is the number of bytes TransferIn/TransferOut still have to move.
func (p *Packet) RemainingBytesToTransfer() int {
	return max(0, len(p.buf)-p.pos)
}

// TransferOut hands the untransferred part of the buffer to fn, advancing by what fn consumed.
// Partial transfers resume on the next call.
func (p *Packet) TransferOut(fn func([]byte) (int, error)) (int, error) {
	return p.TransferOutWithLimit(fn, p.RemainingBytesToTransfer())
}

// TransferOutWithLimit is TransferOut moving at most limit bytes.
func (p *Packet) TransferOutWithLimit(fn func([]byte) (int, error), limit int) (int, error) {
	amount := min(p.RemainingBytesToTransfer(), limit)
	if amount <= 0 {
		return 0, nil
	}
	n, err := fn(p.buf[p.pos : p.pos+amount])
	if n > 0 {
		p.pos += n
	}
	return n, err
}

// TransferIn lets fn fill the unreceived part of the buffer, advancing by what fn produced.
func (p *Packet) TransferIn(fn func([]byte) (int, error)) (int, error) {
	if p.pos >= len(p.buf) {
		return 0, nil
	}
	n, err := fn(p.buf[p.pos:])
	if n > 0 {
		p.pos += n
	}
	return n, err
}

func validateString(b []byte) string {
	s := string(b)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "?")
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' {
			return '?'
		}
		if r == 0x7F {
			return '?'
		}
		return r
	}, s)
}
