package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/coordinator"
	"github.com/udisondev/ttdnet/internal/game"
	"github.com/udisondev/ttdnet/internal/metrics"
	"github.com/udisondev/ttdnet/internal/nethttp"
	"github.com/udisondev/ttdnet/internal/network"
	"github.com/udisondev/ttdnet/internal/survey"
	"github.com/udisondev/ttdnet/internal/udp"
)

const ConfigPath = "config/ttdserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("TTDNET_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	cs := config.LoadConnectionStrings()
	slog.Info("ttdserver starting",
		"server_name", cfg.ServerName,
		"port", cfg.Port,
		"game_type", cfg.GameType,
		"coordinator", cs.Coordinator)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	w, err := newWorld(cfg)
	if err != nil {
		return err
	}
	srv := game.NewServer(cfg, game.NewNetworkState(), w, game.WithObserver(m.Game()))
	lns, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("starting game server: %w", err)
	}

	responder := udp.NewResponder(udpBindAddresses(cfg), srv.GameInfo)
	if err := responder.Listen(); err != nil {
		slog.Warn("lan discovery disabled", "error", err)
	} else {
		srv.AddService(responder)
		defer responder.CloseSocket()
	}

	if gt := coordinator.ParseGameType(cfg.GameType); gt != coordinator.GameTypeLocal {
		coord := coordinator.New(cs.Coordinator,
			coordinator.WithStunServer(cs.Stun),
			coordinator.WithEvents(m.Coordinator(inviteLogger{})))
		coord.Register(coordinator.Registration{
			GameType:         gt,
			Port:             uint16(cfg.Port),
			InviteCode:       cfg.InviteCode,
			InviteCodeSecret: cfg.InviteCodeSecret,
			GameInfo:         srv.GameInfo,
			Acceptor:         srv,
		})
		srv.AddService(coord)
		defer coord.Shutdown()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, lns...)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, reg)
		})
	}
	err = g.Wait()

	if cfg.Survey {
		sendSurvey(cs.Survey, srv.GameInfo())
	}
	return err
}

// udpBindAddresses binds discovery to the game port on the configured
// addresses, or on the wildcard of both families.
func udpBindAddresses(cfg config.Server) []network.Address {
	port := uint16(cfg.Port)
	if len(cfg.BindAddresses) == 0 {
		return []network.Address{
			network.NewAddress("0.0.0.0", port, network.FamilyIPv4),
			network.NewAddress("::", port, network.FamilyIPv6),
		}
	}
	addrs := make([]network.Address, 0, len(cfg.BindAddresses))
	for _, b := range cfg.BindAddresses {
		addrs = append(addrs, network.ParseConnectionString(b, port))
	}
	return addrs
}

// inviteLogger tells the operator how players can reach the server.
type inviteLogger struct {
	coordinator.NopEvents
}

func (inviteLogger) OnRegistered(invite string, ct coordinator.ConnectionType) {
	slog.Info("players can join with invite code", "invite_code", invite, "connection_type", ct.String())
}

func (inviteLogger) OnError(t coordinator.ErrorType, detail string) {
	slog.Warn("game coordinator error", "type", t.String(), "detail", detail)
}

func sendSurvey(uri string, info game.GameInfo) {
	hc := nethttp.NewClient()
	hc.Start(context.Background())
	defer hc.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report := survey.Collect(ctx, survey.ReasonExit, &survey.Game{
		Ticks:     info.TicksPlaying,
		Network:   "server",
		Companies: info.CompaniesOn,
		Clients:   info.ClientsOn,
		MapWidth:  info.MapWidth,
		MapHeight: info.MapHeight,
	})
	if err := survey.NewSender(hc, uri).TransmitAndWait(ctx, report); err != nil {
		slog.Warn("survey not sent", "error", err)
	}
}
