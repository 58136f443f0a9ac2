package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
)

func TestOnlineRequiresNetworkAndTransport(t *testing.T) {
	s := NewSignal(nil, nil)
	require.False(t, s.Online(), "transport starts down")

	s.SetTransport(true)
	require.True(t, s.Online())

	s.SetNetwork(false)
	require.False(t, s.Online())
	require.False(t, s.Network())
}

func TestOnOnlineFiresOnlyOnTransition(t *testing.T) {
	s := NewSignal(nil, nil)
	var fired atomic.Int32
	s.OnOnline(func() { fired.Add(1) })

	s.SetTransport(true)
	s.SetTransport(true) // no change
	s.SetNetwork(true)   // already up
	require.Equal(t, int32(1), fired.Load())

	s.SetNetwork(false)
	s.SetNetwork(true)
	require.Equal(t, int32(2), fired.Load())
}

func TestOnChangeAndNetworkUp(t *testing.T) {
	s := NewSignal(nil, nil)
	var changes []Change
	var networkUp int
	s.OnChange(func(c Change) { changes = append(changes, c) })
	s.OnNetworkUp(func() { networkUp++ })

	s.SetNetwork(false)
	s.SetNetwork(true)
	s.SetTransport(true)

	require.Len(t, changes, 3)
	require.Equal(t, Change{Online: false, WasOnline: false, Network: false, Transport: false}, changes[0])
	require.Equal(t, Change{Online: true, WasOnline: false, Network: true, Transport: true}, changes[2])
	require.Equal(t, 1, networkUp)
}

func TestSignalPublishesChanges(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("connectivity.", 4)
	defer unsub()

	s := NewSignal(b, nil)
	s.SetTransport(true)

	select {
	case evt := <-events:
		require.Equal(t, bus.KindConnectivityChanged, evt.Kind)
		require.True(t, evt.Payload.(Change).Online)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connectivity event")
	}
}

func TestFollowTracksTransportState(t *testing.T) {
	b := bus.New()
	s := NewSignal(b, nil)
	m := status.NewMachine(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Follow(ctx, b, func() bool { return m.Is(status.Connected) })
	}()

	require.NoError(t, m.Transition(status.Connecting))
	require.NoError(t, m.Transition(status.Connected))
	require.Eventually(t, s.Online, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Transition(status.Disconnected))
	require.Eventually(t, func() bool { return !s.Online() }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
