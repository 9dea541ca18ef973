package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/constants"
)

// xorEncryption is a toy handler: XOR body with a key byte, MAC is a byte sum.
type xorEncryption struct{ key byte }

func (x xorEncryption) MACSize() int { return 2 }

func (x xorEncryption) Encrypt(mac, msg []byte) {
	var sum uint16
	for i := range msg {
		sum += uint16(msg[i])
		msg[i] ^= x.key
	}
	mac[0], mac[1] = byte(sum), byte(sum>>8)
}

func (x xorEncryption) Decrypt(mac, msg []byte) bool {
	var sum uint16
	for i := range msg {
		msg[i] ^= x.key
		sum += uint16(msg[i])
	}
	return mac[0] == byte(sum) && mac[1] == byte(sum>>8)
}

type fakeOwner struct {
	send, recv EncryptionHandler
}

func (o *fakeOwner) SendEncryption() EncryptionHandler    { return o.send }
func (o *fakeOwner) ReceiveEncryption() EncryptionHandler { return o.recv }

// reassemble feeds the wire bytes of a sent packet into a receive packet the way a stream reader does.
func reassemble(t *testing.T, owner Owner, wire []byte, limit int) *Packet {
	t.Helper()
	r := bytes.NewReader(wire)
	p := NewReceive(owner, limit)
	for !p.HasPacketSizeData() {
		_, err := p.TransferIn(r.Read)
		require.NoError(t, err)
	}
	require.NoError(t, p.ParsePacketSize())
	for p.RemainingBytesToTransfer() > 0 {
		_, err := p.TransferIn(r.Read)
		require.NoError(t, err)
	}
	require.NoError(t, p.PrepareToRead())
	return p
}

func wireOf(t *testing.T, p *Packet) []byte {
	t.Helper()
	p.PrepareToSend()
	var out bytes.Buffer
	for p.RemainingBytesToTransfer() > 0 {
		_, err := p.TransferOut(out.Write)
		require.NoError(t, err)
	}
	return out.Bytes()
}

func TestPacket_RoundTrip(t *testing.T) {
	p := New(nil, 7, constants.TCPMTU)
	p.SendBool(true)
	p.SendBool(false)
	p.SendUint8(0xAB)
	p.SendUint16(0xBEEF)
	p.SendUint32(0xDEADBEEF)
	p.SendUint64(0x0123456789ABCDEF)
	p.SendString("hello, world")
	p.SendString("")
	p.SendString("ünïcødé")
	p.SendBuffer([]byte{1, 2, 3})
	rest := p.SendBytes([]byte{9, 8, 7})
	require.Empty(t, rest)

	r := reassemble(t, nil, wireOf(t, p), constants.TCPMTU)
	assert.Equal(t, uint8(7), r.GetPacketType())
	assert.True(t, r.RecvBool())
	assert.False(t, r.RecvBool())
	assert.Equal(t, uint8(0xAB), r.RecvUint8())
	assert.Equal(t, uint16(0xBEEF), r.RecvUint16())
	assert.Equal(t, uint32(0xDEADBEEF), r.RecvUint32())
	assert.Equal(t, uint64(0x0123456789ABCDEF), r.RecvUint64())
	assert.Equal(t, "hello, world", r.RecvString(constants.NameLength))
	assert.Equal(t, "", r.RecvString(constants.NameLength))
	assert.Equal(t, "ünïcødé", r.RecvString(constants.NameLength))
	assert.Equal(t, []byte{1, 2, 3}, r.RecvBuffer())
	raw := make([]byte, 3)
	assert.Equal(t, 3, r.RecvBytes(raw))
	assert.Equal(t, []byte{9, 8, 7}, raw)
	assert.Zero(t, r.RemainingBytesToRead())
	assert.False(t, r.Malformed())
}

func TestPacket_StringWireFormat(t *testing.T) {
	p := New(nil, 1, constants.TCPMTU)
	p.SendString("abc")
	wire := wireOf(t, p)

	// size(2) type(1) len(2) "abc", no terminator
	assert.Equal(t, []byte{8, 0, 1, 3, 0, 'a', 'b', 'c'}, wire)
}

func TestPacket_RecvStringTruncatesAndValidates(t *testing.T) {
	p := New(nil, 1, constants.TCPMTU)
	p.SendString("abcdefgh")
	p.SendString("bad\x01chars\xff")
	r := reassemble(t, nil, wireOf(t, p), constants.TCPMTU)
	r.GetPacketType()

	assert.Equal(t, "abcd", r.RecvString(5))
	assert.Equal(t, "bad?chars?", r.RecvString(constants.ChatLength))
	assert.False(t, r.Malformed())
}

func TestSizeField_RoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, MaxShortSize, MaxShortSize + 1, 1 << 20, MaxExtendedSize} {
		buf := make([]byte, ExtendedSizeFieldLen)
		n, err := EncodeSize(buf, size)
		require.NoError(t, err)
		assert.Equal(t, SizeFieldLenFor(size), n)

		got, fieldLen, err := DecodeSize(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, size, got, "size %d", size)
		assert.Equal(t, n, fieldLen)
	}
}

func TestSizeField_BitLayout(t *testing.T) {
	// 00dddddd cccccccc bbbbbbbb aaaaaaaa -> cccccccc 10dddddd aaaaaaaa bbbbbbbb
	size := 0x2A_CC_BB_AA & MaxExtendedSize
	buf := make([]byte, 4)
	_, err := EncodeSize(buf, size)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCC, 0x80 | 0x2A, 0xAA, 0xBB}, buf)

	_, err = EncodeSize(buf, MaxExtendedSize+1)
	require.ErrorIs(t, err, ErrSizeTooLarge)

	_, _, err = DecodeSize([]byte{0x00, 0xC0, 0x00, 0x00})
	require.ErrorIs(t, err, ErrInvalidSizeTag)
}

func TestParsePacketSize_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		limit int
		ok    bool
	}{
		{"zero", 0, constants.TCPMTU, false},
		{"one", 1, constants.TCPMTU, false},
		{"size field only", 2, constants.TCPMTU, false},
		{"header only", 3, constants.TCPMTU, true},
		{"at limit", constants.TCPMTU, constants.TCPMTU, true},
		{"above limit", constants.UDPMTU + 1, constants.UDPMTU, false},
		{"extended above limit", 1 << 20, constants.TCPMTU, false},
		{"extended within limit", 1 << 20, 1 << 21, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, ExtendedSizeFieldLen)
			n, err := EncodeSize(buf, tt.size)
			require.NoError(t, err)

			p := NewReceive(nil, tt.limit)
			r := bytes.NewReader(buf[:n])
			for !p.HasPacketSizeData() {
				_, err := p.TransferIn(r.Read)
				require.NoError(t, err)
			}
			err = p.ParsePacketSize()
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.size, p.Size())
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPacket_LargePacketUsesExtendedSize(t *testing.T) {
	limit := 1 << 17
	p := New(nil, 3, limit)
	payload := bytes.Repeat([]byte{0x5A}, 40000)
	require.Empty(t, p.SendBytes(payload))

	wire := wireOf(t, p)
	require.Len(t, wire, ExtendedSizeFieldLen+TypeLen+len(payload))
	assert.True(t, IsExtendedSize(wire))

	r := reassemble(t, nil, wire, limit)
	assert.Equal(t, uint8(3), r.GetPacketType())
	got := make([]byte, len(payload))
	assert.Equal(t, len(payload), r.RecvBytes(got))
	assert.Equal(t, payload, got)
}

func TestPacket_OutOfBoundsReadsReturnZero(t *testing.T) {
	reads := map[string]func(p *Packet) any{
		"bool":   func(p *Packet) any { return p.RecvBool() },
		"uint8":  func(p *Packet) any { return p.RecvUint8() },
		"uint16": func(p *Packet) any { return p.RecvUint16() },
		"uint32": func(p *Packet) any { return p.RecvUint32() },
		"uint64": func(p *Packet) any { return p.RecvUint64() },
		"string": func(p *Packet) any { return p.RecvString(constants.NameLength) },
		"buffer": func(p *Packet) any { return len(p.RecvBuffer()) },
	}
	zero := map[string]any{
		"bool": false, "uint8": uint8(0), "uint16": uint16(0), "uint32": uint32(0),
		"uint64": uint64(0), "string": "", "buffer": 0,
	}

	for name, read := range reads {
		t.Run(name, func(t *testing.T) {
			p := New(nil, 1, constants.TCPMTU)
			p.SendUint8(0x7F) // consumed below, nothing is left afterwards
			r := reassemble(t, nil, wireOf(t, p), constants.TCPMTU)
			r.GetPacketType()
			r.RecvUint8()

			assert.Equal(t, zero[name], read(r))
			assert.True(t, r.Malformed())
		})
	}
}

func TestPacket_OptionalFieldDoesNotMarkMalformed(t *testing.T) {
	p := New(nil, 1, constants.TCPMTU)
	r := reassemble(t, nil, wireOf(t, p), constants.TCPMTU)
	r.GetPacketType()

	assert.False(t, r.CanReadFromPacket(1, false))
	assert.False(t, r.Malformed())
}

func TestPacket_WriteBeyondLimitPanics(t *testing.T) {
	p := New(nil, 1, 8)
	p.SendUint32(1)
	assert.Panics(t, func() { p.SendUint32(2) })
	assert.False(t, p.CanWriteToPacket(5))
}

func TestPacket_SendBytesReturnsRemainder(t *testing.T) {
	p := New(nil, 1, 10)
	rest := p.SendBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	assert.Equal(t, []byte{8, 9, 10}, rest)
	assert.Equal(t, 10, p.Size())
}

func TestPacket_EncryptedRoundTrip(t *testing.T) {
	owner := &fakeOwner{send: xorEncryption{key: 0x42}, recv: xorEncryption{key: 0x42}}
	p := New(owner, 9, constants.TCPMTU)
	p.SendUint32(123456)
	p.SendString("secret")
	wire := wireOf(t, p)

	assert.NotContains(t, string(wire), "secret")
	assert.Len(t, wire, SizeFieldLen+2+TypeLen+4+2+6)

	r := reassemble(t, owner, wire, constants.TCPMTU)
	assert.Equal(t, uint8(9), r.GetPacketType())
	assert.Equal(t, uint32(123456), r.RecvUint32())
	assert.Equal(t, "secret", r.RecvString(constants.NameLength))
}

func TestPacket_TamperedEncryptedPacketRejected(t *testing.T) {
	owner := &fakeOwner{send: xorEncryption{key: 0x42}, recv: xorEncryption{key: 0x42}}
	p := New(owner, 9, constants.TCPMTU)
	p.SendUint32(1)
	wire := wireOf(t, p)
	wire[len(wire)-1] ^= 0xFF

	r := NewReceive(owner, constants.TCPMTU)
	_, err := r.TransferIn(bytes.NewReader(wire).Read)
	require.NoError(t, err)
	require.True(t, r.HasPacketSizeData())
	require.NoError(t, r.ParsePacketSize())
	_, err = r.TransferIn(bytes.NewReader(wire[SizeFieldLen:]).Read)
	require.NoError(t, err)
	assert.ErrorIs(t, r.PrepareToRead(), ErrDecrypt)
}

func TestPacket_PartialTransfersResume(t *testing.T) {
	p := New(nil, 2, constants.TCPMTU)
	p.SendString("partial transfer")
	p.PrepareToSend()

	var out bytes.Buffer
	oneByte := func(b []byte) (int, error) { return out.Write(b[:1]) }
	calls := 0
	for p.RemainingBytesToTransfer() > 0 {
		n, err := p.TransferOut(oneByte)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		calls++
	}
	assert.Equal(t, p.Size(), calls)

	in := bytes.NewReader(out.Bytes())
	oneIn := func(b []byte) (int, error) { return in.Read(b[:1]) }
	r := NewReceive(nil, constants.TCPMTU)
	for !r.HasPacketSizeData() {
		_, err := r.TransferIn(oneIn)
		require.NoError(t, err)
	}
	require.NoError(t, r.ParsePacketSize())
	for r.RemainingBytesToTransfer() > 0 {
		_, err := r.TransferIn(oneIn)
		require.NoError(t, err)
	}
	require.NoError(t, r.PrepareToRead())
	assert.Equal(t, uint8(2), r.GetPacketType())
	assert.Equal(t, "partial transfer", r.RecvString(constants.NameLength))
}

func TestFromDatagram(t *testing.T) {
	p := New(nil, 1, constants.UDPMTU)
	p.SendUint16(77)
	wire := wireOf(t, p)

	r, err := FromDatagram(nil, wire, constants.UDPMTU)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), r.GetPacketType())
	assert.Equal(t, uint16(77), r.RecvUint16())

	_, err = FromDatagram(nil, append(wire, 0), constants.UDPMTU)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, err = FromDatagram(nil, wire[:1], constants.UDPMTU)
	assert.ErrorIs(t, err, ErrPacketTooSmall)
}
