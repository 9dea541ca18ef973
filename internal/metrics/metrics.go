// Package metrics exposes server activity as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/udisondev/ttdnet/internal/content"
	"github.com/udisondev/ttdnet/internal/coordinator"
	"github.com/udisondev/ttdnet/internal/game"
	"github.com/udisondev/ttdnet/internal/network"
)

const (
	ProtocolGame    = "game"
	ProtocolContent = "content"

	directionSent     = "sent"
	directionReceived = "received"
)

// Metrics holds every collector. Create one per registry.
type Metrics struct {
	packets  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	accepted *prometheus.CounterVec
	rejected *prometheus.CounterVec
	closed   *prometheus.CounterVec
	online   *prometheus.GaugeVec

	contentServed      *prometheus.CounterVec
	contentServedBytes *prometheus.CounterVec

	coordinatorRegistered prometheus.Gauge
	coordinatorErrors     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_packets_total",
			Help: "Packets by protocol and direction",
		}, []string{"protocol", "direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_bytes_total",
			Help: "Packet bytes by protocol and direction",
		}, []string{"protocol", "direction"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_connections_accepted_total",
			Help: "Connections accepted",
		}, []string{"protocol"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_connections_rejected_total",
			Help: "Connections refused before the handshake",
		}, []string{"protocol", "reason"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_connections_closed_total",
			Help: "Connections closed by receive status",
		}, []string{"protocol", "status"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ttd_connections_online",
			Help: "Connections currently open",
		}, []string{"protocol"}),
		contentServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_content_served_total",
			Help: "Content files streamed by type",
		}, []string{"type"}),
		contentServedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_content_served_bytes_total",
			Help: "Content bytes streamed by type",
		}, []string{"type"}),
		coordinatorRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ttd_coordinator_registered",
			Help: "1 while the server is registered with the game coordinator",
		}),
		coordinatorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttd_coordinator_errors_total",
			Help: "Errors reported by the game coordinator",
		}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{
		m.packets, m.bytes, m.accepted, m.rejected, m.closed, m.online,
		m.contentServed, m.contentServedBytes,
		m.coordinatorRegistered, m.coordinatorErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) traffic(protocol, direction string, size int) {
	m.packets.WithLabelValues(protocol, direction).Inc()
	m.bytes.WithLabelValues(protocol, direction).Add(float64(size))
}

// Game returns an observer for a game server.
func (m *Metrics) Game() game.ServerObserver { return gameObserver{m} }

// Content returns an observer for a content server.
func (m *Metrics) Content() content.ServerObserver { return contentObserver{m} }

// Coordinator returns an events listener for the coordinator connection of
// a registered server. Other events go to next, which may be nil.
func (m *Metrics) Coordinator(next coordinator.Events) coordinator.Events {
	if next == nil {
		next = coordinator.NopEvents{}
	}
	return coordinatorEvents{Events: next, m: m}
}

type gameObserver struct{ m *Metrics }

func (o gameObserver) PacketSent(size int)     { o.m.traffic(ProtocolGame, directionSent, size) }
func (o gameObserver) PacketReceived(size int) { o.m.traffic(ProtocolGame, directionReceived, size) }
func (o gameObserver) ClientAccepted()         { o.m.accepted.WithLabelValues(ProtocolGame).Inc() }

func (o gameObserver) ClientRejected(reason string) {
	o.m.rejected.WithLabelValues(ProtocolGame, reason).Inc()
}

func (o gameObserver) ClientClosed(status network.RecvStatus) {
	o.m.closed.WithLabelValues(ProtocolGame, status.String()).Inc()
}

func (o gameObserver) ClientsOnline(n int) {
	o.m.online.WithLabelValues(ProtocolGame).Set(float64(n))
}

type contentObserver struct{ m *Metrics }

func (o contentObserver) PacketSent(size int) { o.m.traffic(ProtocolContent, directionSent, size) }
func (o contentObserver) PacketReceived(size int) {
	o.m.traffic(ProtocolContent, directionReceived, size)
}

func (o contentObserver) SessionsOnline(n int) {
	o.m.online.WithLabelValues(ProtocolContent).Set(float64(n))
}

func (o contentObserver) ContentServed(t content.ContentType, size uint32) {
	o.m.contentServed.WithLabelValues(t.String()).Inc()
	o.m.contentServedBytes.WithLabelValues(t.String()).Add(float64(size))
}

type coordinatorEvents struct {
	coordinator.Events
	m *Metrics
}

func (e coordinatorEvents) OnRegistered(invite string, ct coordinator.ConnectionType) {
	e.m.coordinatorRegistered.Set(1)
	e.Events.OnRegistered(invite, ct)
}

func (e coordinatorEvents) OnError(t coordinator.ErrorType, detail string) {
	e.m.coordinatorErrors.WithLabelValues(t.String()).Inc()
	if t == coordinator.ErrorRegistrationFailed || t == coordinator.ErrorReuseOfInviteCode {
		e.m.coordinatorRegistered.Set(0)
	}
	e.Events.OnError(t, detail)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve runs a /metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
