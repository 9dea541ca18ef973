package protocol

import (
	"encoding/binary"
	"errors"
)

// Size field layout.
//
// Packets up to 32767 bytes carry a 2-byte little-endian size with the high bit clear.
// Larger packets use two little-endian words:
//
//	00dddddd cccccccc bbbbbbbb aaaaaaaa  ->  cccccccc 10dddddd aaaaaaaa bbbbbbbb
//
// The first word holds bits 16..29 of the size with its top bits set to 0b10,
// the second word holds bits 0..15.
const (
	// SizeFieldLen is the length of the common size field.
	SizeFieldLen = 2
	// ExtendedSizeFieldLen is the length of the size field of large packets.
	ExtendedSizeFieldLen = 4
	// TypeLen is the length of the packet type field.
	TypeLen = 1

	// MaxShortSize is the largest size that fits in the common size field.
	MaxShortSize = 0x7FFF
	// MaxExtendedSize is the largest size the extended size field can express (1 GiB - 1).
	MaxExtendedSize = 1<<30 - 1

	extendedFlag = 0b10 << 14
	flagMask     = 0b11 << 14
)

var (
	ErrSizeTooLarge   = errors.New("packet size exceeds the extended size field")
	ErrInvalidSizeTag = errors.New("invalid packet size tag")
	ErrShortSizeField = errors.New("size field incomplete")
)

// SizeFieldLenFor returns how many bytes the size field of a packet of the given total size needs.
func SizeFieldLenFor(size int) int {
	if size > MaxShortSize {
		return ExtendedSizeFieldLen
	}
	return SizeFieldLen
}

// EncodeSize writes size into dst and returns the number of bytes written.
// dst must have room for SizeFieldLenFor(size) bytes.
func EncodeSize(dst []byte, size int) (int, error) {
	if size < 0 || size > MaxExtendedSize {
		return 0, ErrSizeTooLarge
	}
	if size <= MaxShortSize {
		binary.LittleEndian.PutUint16(dst, uint16(size))
		return SizeFieldLen, nil
	}
	binary.LittleEndian.PutUint16(dst, uint16((size>>16)&0x3FFF)|extendedFlag)
	binary.LittleEndian.PutUint16(dst[2:], uint16(size))
	return ExtendedSizeFieldLen, nil
}

// IsExtendedSize reports whether the first size word announces the extended form.
func IsExtendedSize(first []byte) bool {
	return len(first) >= SizeFieldLen && binary.LittleEndian.Uint16(first)&0x8000 != 0
}

// DecodeSize parses a size field, returning the total packet size and the field length.
func DecodeSize(src []byte) (size, fieldLen int, err error) {
	if len(src) < SizeFieldLen {
		return 0, 0, ErrShortSizeField
	}
	first := binary.LittleEndian.Uint16(src)
	if first&0x8000 == 0 {
		return int(first), SizeFieldLen, nil
	}
	if first&flagMask != extendedFlag {
		return 0, 0, ErrInvalidSizeTag
	}
	if len(src) < ExtendedSizeFieldLen {
		return 0, 0, ErrShortSizeField
	}
	size = int(first&0x3FFF)<<16 | int(binary.LittleEndian.Uint16(src[2:]))
	return size, ExtendedSizeFieldLen, nil
}
