// Package connectivity decides when the client is online and schedules
// background syncs for when it is not.
package connectivity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
)

// Change is the payload of connectivity.changed events.
type Change struct {
	Online    bool `json:"online"`
	WasOnline bool `json:"wasOnline"`
	Network   bool `json:"network"`
	Transport bool `json:"transport"`
}

// Signal combines host network reachability with the transport connection
// state. The client is online only when both are up.
type Signal struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu          sync.Mutex
	network     bool
	transport   bool
	onOnline    []func()
	onChange    []func(Change)
	onNetworkUp []func()
}

// NewSignal creates a signal that assumes the network is reachable and the
// transport is down until told otherwise.
func NewSignal(b *bus.Bus, logger *zap.Logger) *Signal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signal{bus: b, logger: logger, network: true}
}

// Online reports whether both the network and the transport are up.
func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.network && s.transport
}

// Network reports the last known host network reachability.
func (s *Signal) Network() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.network
}

// OnOnline registers fn to run on every offline to online transition.
func (s *Signal) OnOnline(fn func()) {
	s.mu.Lock()
	s.onOnline = append(s.onOnline, fn)
	s.mu.Unlock()
}

// OnChange registers fn to run whenever either input changes.
func (s *Signal) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// OnNetworkUp registers fn to run when host reachability comes back.
func (s *Signal) OnNetworkUp(fn func()) {
	s.mu.Lock()
	s.onNetworkUp = append(s.onNetworkUp, fn)
	s.mu.Unlock()
}

// SetNetwork records host network reachability.
func (s *Signal) SetNetwork(up bool) {
	s.update(func() { s.network = up })
}

// SetTransport records whether the transport is connected.
func (s *Signal) SetTransport(up bool) {
	s.update(func() { s.transport = up })
}

func (s *Signal) update(apply func()) {
	s.mu.Lock()
	wasOnline := s.network && s.transport
	prevNetwork, prevTransport := s.network, s.transport
	apply()
	if s.network == prevNetwork && s.transport == prevTransport {
		s.mu.Unlock()
		return
	}
	ch := Change{
		Online:    s.network && s.transport,
		WasOnline: wasOnline,
		Network:   s.network,
		Transport: s.transport,
	}
	networkUp := s.network && !prevNetwork
	onChange := append([]func(Change){}, s.onChange...)
	onOnline := append([]func(){}, s.onOnline...)
	onNetworkUp := append([]func(){}, s.onNetworkUp...)
	s.mu.Unlock()

	if ch.Online != wasOnline {
		s.logger.Info("connectivity changed", zap.Bool("online", ch.Online),
			zap.Bool("network", ch.Network), zap.Bool("transport", ch.Transport))
	}
	s.bus.Emit(bus.KindConnectivityChanged, ch)

	for _, fn := range onChange {
		fn(ch)
	}
	if networkUp {
		for _, fn := range onNetworkUp {
			fn()
		}
	}
	if ch.Online && !wasOnline {
		for _, fn := range onOnline {
			fn()
		}
	}
}

// Follow tracks the transport state published on b until ctx is done.
// connected seeds the state once the subscription is in place.
func (s *Signal) Follow(ctx context.Context, b *bus.Bus, connected func() bool) {
	events, unsub := b.Subscribe(bus.KindTransportState, 16)
	defer unsub()
	if connected != nil {
		s.SetTransport(connected())
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			change, ok := evt.Payload.(status.StateChange)
			if !ok {
				continue
			}
			s.SetTransport(change.To == status.Connected)
		}
	}
}
