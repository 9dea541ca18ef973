package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/game"
)

// worldMagic starts every saved world.
const worldMagic = "TTDW"

// startDate is 1 Jan 1950 in days since year 0.
const startDate = 712261

const worldHeaderLen = len(worldMagic) + 4 + 4 + 4 + 2 + 2 + 1 + 2

// world is what a dedicated server runs without a real simulation attached.
// It keeps time, its random state and the company slots, which is enough for
// clients to join, stay in sync, chat and use the remote console.
type world struct {
	ticks     uint32
	seed1     uint32
	seed2     uint32
	width     uint16
	height    uint16
	landscape uint8
	companies uint16 // bit per company slot
}

func newWorld(cfg config.Server) (*world, error) {
	w := &world{
		seed1:     0x2545F491,
		seed2:     0x9E3779B9,
		width:     uint16(cfg.MapWidth),
		height:    uint16(cfg.MapHeight),
		landscape: uint8(cfg.Landscape),
		companies: 1,
	}
	if cfg.MapFile == "" {
		return w, nil
	}
	data, err := os.ReadFile(cfg.MapFile)
	if err != nil {
		return nil, fmt.Errorf("reading map %s: %w", cfg.MapFile, err)
	}
	if err := w.LoadMap(data); err != nil {
		return nil, fmt.Errorf("loading map %s: %w", cfg.MapFile, err)
	}
	slog.Info("map loaded", "file", cfg.MapFile, "ticks", w.ticks)
	return w, nil
}

func (w *world) SaveMap() ([]byte, error) {
	b := make([]byte, 0, worldHeaderLen)
	b = append(b, worldMagic...)
	b = binary.LittleEndian.AppendUint32(b, w.ticks)
	b = binary.LittleEndian.AppendUint32(b, w.seed1)
	b = binary.LittleEndian.AppendUint32(b, w.seed2)
	b = binary.LittleEndian.AppendUint16(b, w.width)
	b = binary.LittleEndian.AppendUint16(b, w.height)
	b = append(b, w.landscape)
	b = binary.LittleEndian.AppendUint16(b, w.companies)
	return b, nil
}

func (w *world) LoadMap(data []byte) error {
	if len(data) < worldHeaderLen || string(data[:len(worldMagic)]) != worldMagic {
		return errors.New("not a saved world")
	}
	d := data[len(worldMagic):]
	w.ticks = binary.LittleEndian.Uint32(d)
	w.seed1 = binary.LittleEndian.Uint32(d[4:])
	w.seed2 = binary.LittleEndian.Uint32(d[8:])
	w.width = binary.LittleEndian.Uint16(d[12:])
	w.height = binary.LittleEndian.Uint16(d[14:])
	w.landscape = d[16]
	w.companies = binary.LittleEndian.Uint16(d[17:])
	return nil
}

func (w *world) RunTick() {
	w.ticks++
	w.seed1 = w.seed1*1664525 + 1013904223
	w.seed2 = (w.seed2<<7 | w.seed2>>25) ^ w.seed1
}

func (w *world) RandomSeeds() (uint32, uint32) { return w.seed1, w.seed2 }

func (w *world) ExecuteCommand(cp *game.CommandPacket) {
	slog.Debug("command executed", "cmd", cp.Cmd, "company", cp.Company, "frame", cp.Frame)
	if cp.Company < constants.MaxCompanies {
		w.companies |= 1 << cp.Company
	}
}

func (w *world) CompanyExists(c game.CompanyID) bool {
	return c < constants.MaxCompanies && w.companies&(1<<c) != 0
}

func (w *world) NewGRFs() []game.GRFInfo { return nil }

func (w *world) FillGameInfo(info *game.GameInfo) {
	info.TicksPlaying = uint64(w.ticks)
	info.CalendarStart = startDate
	info.CalendarDate = startDate + w.ticks/constants.DayTicks
	for c := range constants.MaxCompanies {
		if w.companies&(1<<c) != 0 {
			info.CompaniesOn++
		}
	}
	info.MapWidth = w.width
	info.MapHeight = w.height
	info.Landscape = w.landscape
}
