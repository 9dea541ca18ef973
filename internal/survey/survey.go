// Package survey builds the opt-in usage survey and posts it to the survey
// server through the HTTP subsystem.
package survey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/udisondev/ttdnet/internal/constants"
	"github.com/udisondev/ttdnet/internal/nethttp"
)

var nowFunc = time.Now

// Reason is why a survey is sent.
type Reason string

const (
	ReasonPreview Reason = "preview" // shown to the user, never sent
	ReasonLeave   Reason = "leave"   // the player left a game
	ReasonExit    Reason = "exit"    // the program exits
	ReasonCrash   Reason = "crash"
)

var ErrTransmit = errors.New("survey transmission failed")

// Report is the JSON document posted to the survey server.
type Report struct {
	Schema int    `json:"schema"`
	Reason Reason `json:"reason"`
	ID     string `json:"id"`
	Date   string `json:"date"`
	Info   Info   `json:"info"`
	Game   *Game  `json:"game,omitempty"`
}

// Info describes the machine and build.
type Info struct {
	OS      OSInfo      `json:"os"`
	OpenTTD OpenTTDInfo `json:"openttd"`
}

type OSInfo struct {
	OS                  string `json:"os"`
	Release             string `json:"release"`
	Machine             string `json:"machine"`
	CPU                 string `json:"cpu,omitempty"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	MinRAM              string `json:"min_ram"`
}

type OpenTTDInfo struct {
	Revision string `json:"revision"`
	GoVer    string `json:"go_version"`
}

// Game describes the running game, when there is one.
type Game struct {
	Ticks     uint64 `json:"ticks"`
	Network   string `json:"network"`
	Companies uint8  `json:"companies"`
	Clients   uint8  `json:"clients"`
	MapWidth  uint16 `json:"map_width"`
	MapHeight uint16 `json:"map_height"`
}

// Collect gathers a report. System details that cannot be read are left
// empty rather than failing the survey.
func Collect(ctx context.Context, reason Reason, game *Game) Report {
	r := Report{
		Schema: constants.SurveyVersion,
		Reason: reason,
		ID:     uuid.NewString(),
		Date:   nowFunc().UTC().Format(time.RFC3339),
		Game:   game,
		Info: Info{
			OS: OSInfo{
				OS:                  runtime.GOOS,
				Machine:             runtime.GOARCH,
				HardwareConcurrency: runtime.NumCPU(),
			},
			OpenTTD: OpenTTDInfo{Revision: constants.Revision, GoVer: runtime.Version()},
		},
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		r.Info.OS.Release = fmt.Sprintf("%s %s (%s)", hi.Platform, hi.PlatformVersion, hi.KernelVersion)
	} else {
		slog.Debug("survey: host info unavailable", "error", err)
	}
	if ci, err := cpu.InfoWithContext(ctx); err == nil && len(ci) > 0 {
		r.Info.OS.CPU = ci[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.Info.OS.MinRAM = memoryText(vm.Total)
	}
	return r
}

// memoryText buckets memory into a power of two so the report does not
// identify the machine.
func memoryText(total uint64) string {
	const gib = 1 << 30
	if total < gib {
		return "< 1 GiB"
	}
	n := total / gib
	return fmt.Sprintf("%d GiB", uint64(1)<<(bits.Len64(n)-1))
}

// Sender posts reports to the survey server.
type Sender struct {
	http *nethttp.Client
	uri  string
}

// NewSender creates a sender posting to uri through client.
func NewSender(client *nethttp.Client, uri string) *Sender {
	return &Sender{http: client, uri: uri}
}

// Transmit queues r; done is called from nethttp.Client.Receive with the outcome.
func (s *Sender) Transmit(r Report, done func(ok bool)) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding survey: %w", err)
	}
	slog.Info("transmitting survey", "uri", s.uri, "reason", string(r.Reason))
	s.http.Connect(s.uri, &callback{done: done}, string(body))
	return nil
}

// TransmitAndWait transmits r and pumps the HTTP client until the transfer
// finished or ctx expired. It is meant for the exit path where no loop
// polls the client anymore.
func (s *Sender) TransmitAndWait(ctx context.Context, r Report) error {
	var finished, ok bool
	if err := s.Transmit(r, func(success bool) { finished, ok = true, success }); err != nil {
		return err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.http.Receive()
		if finished {
			if !ok {
				return ErrTransmit
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for survey: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

type callback struct {
	done func(ok bool)
}

func (c *callback) OnFailure() {
	slog.Warn("survey transmission failed")
	if c.done != nil {
		c.done(false)
	}
}

// OnReceiveData ignores the reply body; its end means success.
func (c *callback) OnReceiveData(data []byte) {
	if data == nil && c.done != nil {
		c.done(true)
	}
}

func (c *callback) IsCancelled() bool { return false }
