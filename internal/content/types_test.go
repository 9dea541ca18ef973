package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/protocol"
)

func TestContentInfo_States(t *testing.T) {
	tests := []struct {
		state    ContentState
		typ      ContentType
		selected bool
		valid    bool
	}{
		{StateUnselected, TypeNewGRF, false, true},
		{StateSelected, TypeAI, true, true},
		{StateAutoSelected, TypeAILibrary, true, true},
		{StateAlreadyHere, TypeScenario, true, true},
		{StateDoesNotExist, TypeGame, false, true},
		{StateInvalid, TypeGame, false, false},
		{StateUnselected, TypeInvalid, false, false},
		{StateUnselected, TypeEnd, false, false},
		{StateUnselected, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String()+"/"+tt.typ.String(), func(t *testing.T) {
			ci := &ContentInfo{State: tt.state, Type: tt.typ}
			assert.Equal(t, tt.selected, ci.IsSelected())
			assert.Equal(t, tt.valid, ci.IsValid())
		})
	}
}

func TestContentType_Names(t *testing.T) {
	for typ := TypeBegin; typ < TypeEnd; typ++ {
		parsed, err := ParseContentType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
		assert.NotEmpty(t, typ.SubDir())
	}
	_, err := ParseContentType("texture-pack")
	assert.Error(t, err)
	assert.Equal(t, "ai/library", TypeAILibrary.SubDir())
	assert.Equal(t, "scenario/heightmap", TypeHeightmap.SubDir())
	assert.Empty(t, TypeInvalid.SubDir())
}

func TestServerInfo_Wire(t *testing.T) {
	in := &ContentInfo{
		Type:         TypeNewGRF,
		ID:           1234,
		FileSize:     99999,
		Name:         "OpenGFX+ Trains",
		Version:      "1.2.3",
		URL:          "https://example.org/ogfx",
		Description:  "Trains for OpenGFX",
		UniqueID:     0x4F474658,
		MD5:          [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Dependencies: []ContentID{7, 8},
		Tags:         []string{"trains", "graphics"},
	}

	p := protocol.New(nil, uint8(PacketServerInfo), constants.TCPMTU)
	writeInfo(p, in)
	p.PrepareToSend()

	r, err := protocol.FromDatagram(nil, p.Bytes(), constants.TCPMTU)
	require.NoError(t, err)
	require.Equal(t, uint8(PacketServerInfo), r.GetPacketType())
	out := readInfo(r)
	require.False(t, r.Malformed())
	assert.Equal(t, in, out)
	assert.Zero(t, r.RemainingBytesToRead())
}

func TestServerInfo_TruncatedIsMalformed(t *testing.T) {
	p := protocol.New(nil, uint8(PacketServerInfo), constants.TCPMTU)
	p.SendUint8(uint8(TypeAI))
	p.SendUint32(1)
	p.PrepareToSend()

	r, err := protocol.FromDatagram(nil, p.Bytes(), constants.TCPMTU)
	require.NoError(t, err)
	require.Equal(t, uint8(PacketServerInfo), r.GetPacketType())
	readInfo(r)
	assert.True(t, r.Malformed())
}

func TestParseMirrorList(t *testing.T) {
	entries, err := parseMirrorList([]byte("1,2,100,first.tar,https://mirror/1\n5, 3, 7, ai.tar, https://mirror/5\n"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, mirrorEntry{id: 1, typ: TypeNewGRF, size: 100, filename: "first.tar", url: "https://mirror/1"}, entries[0])
	assert.Equal(t, ContentID(5), entries[1].id)
	assert.Equal(t, "ai.tar", entries[1].filename)

	empty, err := parseMirrorList(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{
		"1,2,100,first.tar\n",
		"x,2,100,first.tar,u\n",
		"1,99,100,first.tar,u\n",
		"1,2,0,first.tar,u\n",
		"1,2,100,first.tar,\n",
	} {
		_, err := parseMirrorList([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "file.tar", safeFilename("file.tar", 1))
	assert.Equal(t, "passwd", safeFilename("../../etc/passwd", 1))
	assert.Equal(t, "evil.tar", safeFilename(`..\..\evil.tar`, 1))
	assert.Equal(t, "content-9", safeFilename("", 9))
	assert.Equal(t, "content-9", safeFilename("..", 9))
}
