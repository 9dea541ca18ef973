package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/game"
)

func testConfig() config.Server {
	return config.Server{MapWidth: 256, MapHeight: 512, Landscape: 1}
}

func TestWorld_SaveLoad(t *testing.T) {
	w, err := newWorld(testConfig())
	require.NoError(t, err)
	for range 200 {
		w.RunTick()
	}
	w.ExecuteCommand(&game.CommandPacket{Company: 3})

	data, err := w.SaveMap()
	require.NoError(t, err)

	other := &world{}
	require.NoError(t, other.LoadMap(data))
	assert.Equal(t, *w, *other)

	assert.Error(t, other.LoadMap([]byte("nope")))
	assert.Error(t, other.LoadMap(make([]byte, worldHeaderLen)))
}

func TestWorld_RunTickIsDeterministic(t *testing.T) {
	a, err := newWorld(testConfig())
	require.NoError(t, err)
	b, err := newWorld(testConfig())
	require.NoError(t, err)

	for range 50 {
		a.RunTick()
		b.RunTick()
	}
	a1, a2 := a.RandomSeeds()
	b1, b2 := b.RandomSeeds()
	assert.Equal(t, a1, b1)
	assert.Equal(t, a2, b2)

	a.RunTick()
	c1, _ := a.RandomSeeds()
	assert.NotEqual(t, a1, c1)
}

func TestWorld_Companies(t *testing.T) {
	w, err := newWorld(testConfig())
	require.NoError(t, err)

	assert.True(t, w.CompanyExists(0))
	assert.False(t, w.CompanyExists(5))
	w.ExecuteCommand(&game.CommandPacket{Company: 5})
	assert.True(t, w.CompanyExists(5))

	w.ExecuteCommand(&game.CommandPacket{Company: constants.MaxCompanies})
	assert.False(t, w.CompanyExists(constants.MaxCompanies))
}

func TestWorld_FillGameInfo(t *testing.T) {
	w, err := newWorld(testConfig())
	require.NoError(t, err)
	for range 3 * constants.DayTicks {
		w.RunTick()
	}
	w.ExecuteCommand(&game.CommandPacket{Company: 2})

	var info game.GameInfo
	w.FillGameInfo(&info)
	assert.Equal(t, uint64(3*constants.DayTicks), info.TicksPlaying)
	assert.Equal(t, uint32(startDate), info.CalendarStart)
	assert.Equal(t, uint32(startDate+3), info.CalendarDate)
	assert.Equal(t, uint8(2), info.CompaniesOn)
	assert.Equal(t, uint16(256), info.MapWidth)
	assert.Equal(t, uint16(512), info.MapHeight)
	assert.Equal(t, uint8(1), info.Landscape)
}

func TestNewWorld_LoadsMapFile(t *testing.T) {
	src, err := newWorld(testConfig())
	require.NoError(t, err)
	src.RunTick()
	data, err := src.SaveMap()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "map.ttdw")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := testConfig()
	cfg.MapFile = path
	w, err := newWorld(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), w.ticks)

	cfg.MapFile = filepath.Join(t.TempDir(), "missing")
	_, err = newWorld(cfg)
	assert.Error(t, err)
}

func TestUDPBindAddresses(t *testing.T) {
	cfg := config.Server{Port: 4000}
	addrs := udpBindAddresses(cfg)
	require.Len(t, addrs, 2)
	assert.Equal(t, uint16(4000), addrs[0].GetPort())

	cfg.BindAddresses = []string{"127.0.0.1", "10.0.0.1:5000"}
	addrs = udpBindAddresses(cfg)
	require.Len(t, addrs, 2)
	assert.Equal(t, "127.0.0.1", addrs[0].GetHostname())
	assert.Equal(t, uint16(4000), addrs[0].GetPort())
	assert.Equal(t, uint16(5000), addrs[1].GetPort())
}
