package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/ttdnet/internal/content"
	"github.com/udisondev/ttdnet/internal/coordinator"
	"github.com/udisondev/ttdnet/internal/network"
)

func newMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	return m, reg
}

func TestGameObserver(t *testing.T) {
	m, _ := newMetrics(t)
	o := m.Game()

	o.PacketSent(100)
	o.PacketSent(50)
	o.PacketReceived(7)
	o.ClientAccepted()
	o.ClientRejected("banned")
	o.ClientClosed(network.RecvMalformedPacket)
	o.ClientsOnline(4)

	assert.Equal(t, 2.0, promtest.ToFloat64(m.packets.WithLabelValues(ProtocolGame, "sent")))
	assert.Equal(t, 150.0, promtest.ToFloat64(m.bytes.WithLabelValues(ProtocolGame, "sent")))
	assert.Equal(t, 7.0, promtest.ToFloat64(m.bytes.WithLabelValues(ProtocolGame, "received")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.accepted.WithLabelValues(ProtocolGame)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.rejected.WithLabelValues(ProtocolGame, "banned")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.closed.WithLabelValues(ProtocolGame, "malformed packet")))
	assert.Equal(t, 4.0, promtest.ToFloat64(m.online.WithLabelValues(ProtocolGame)))
}

func TestContentObserver(t *testing.T) {
	m, _ := newMetrics(t)
	o := m.Content()

	o.PacketReceived(3)
	o.SessionsOnline(2)
	o.ContentServed(content.TypeNewGRF, 4096)
	o.ContentServed(content.TypeNewGRF, 1024)

	typ := content.TypeNewGRF.String()
	assert.Equal(t, 1.0, promtest.ToFloat64(m.packets.WithLabelValues(ProtocolContent, "received")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.online.WithLabelValues(ProtocolContent)))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.contentServed.WithLabelValues(typ)))
	assert.Equal(t, 5120.0, promtest.ToFloat64(m.contentServedBytes.WithLabelValues(typ)))
}

type forwarded struct {
	coordinator.NopEvents
	registered int
	errors     int
}

func (f *forwarded) OnRegistered(string, coordinator.ConnectionType) { f.registered++ }
func (f *forwarded) OnError(coordinator.ErrorType, string)           { f.errors++ }

func TestCoordinatorEvents(t *testing.T) {
	m, _ := newMetrics(t)
	next := &forwarded{}
	ev := m.Coordinator(next)

	ev.OnRegistered("+abc", coordinator.ConnectionDirect)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.coordinatorRegistered))

	ev.OnError(coordinator.ErrorInvalidInviteCode, "+x")
	assert.Equal(t, 1.0, promtest.ToFloat64(m.coordinatorRegistered))
	ev.OnError(coordinator.ErrorReuseOfInviteCode, "")
	assert.Equal(t, 0.0, promtest.ToFloat64(m.coordinatorRegistered))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.coordinatorErrors.WithLabelValues("invite code reused")))

	ev.OnListingDone()
	assert.Equal(t, 1, next.registered)
	assert.Equal(t, 2, next.errors)

	assert.NotPanics(t, func() { m.Coordinator(nil).OnRegistered("+abc", coordinator.ConnectionTURN) })
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m, reg := newMetrics(t)
	m.Game().ClientAccepted()

	srv := httptest.NewServer(Handler(reg))
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ttd_connections_accepted_total{protocol="game"} 1`))
}
