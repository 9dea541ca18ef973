package game

import (
	"golang.org/x/time/rate"

	"github.com/udisondev/ttdnet/internal/network"
)

// ServerObserver is told about client lifecycle and traffic of a server.
type ServerObserver interface {
	network.TrafficObserver
	ClientAccepted()
	ClientRejected(reason string)
	ClientClosed(status network.RecvStatus)
	ClientsOnline(n int)
}

type nopObserver struct{}

func (nopObserver) PacketSent(int)                  {}
func (nopObserver) PacketReceived(int)              {}
func (nopObserver) ClientAccepted()                 {}
func (nopObserver) ClientRejected(string)           {}
func (nopObserver) ClientClosed(network.RecvStatus) {}
func (nopObserver) ClientsOnline(int)               {}

// clientTraffic feeds one client's traffic to the server observer and charges
// received bytes against the client's receive budget.
type clientTraffic struct {
	observer ServerObserver
	budget   *rate.Limiter
}

func (t clientTraffic) PacketSent(size int) { t.observer.PacketSent(size) }

func (t clientTraffic) PacketReceived(size int) {
	t.observer.PacketReceived(size)
	if t.budget != nil {
		t.budget.ReserveN(nowFunc(), size)
	}
}
