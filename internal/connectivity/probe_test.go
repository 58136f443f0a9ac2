package connectivity

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"ws://chat.example.com/ws", "chat.example.com:80"},
		{"wss://chat.example.com/ws", "chat.example.com:443"},
		{"ws://127.0.0.1:8080/ws", "127.0.0.1:8080"},
	}
	for _, tt := range tests {
		got, err := probeAddr(tt.url)
		require.NoError(t, err, tt.url)
		require.Equal(t, tt.want, got)
	}

	_, err := probeAddr("not a url/")
	require.Error(t, err)
}

func TestProbeReachability(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	s := NewSignal(nil, nil)
	p, err := NewProber("ws://"+addr+"/ws", time.Second, s, nil)
	require.NoError(t, err)
	require.True(t, p.Probe(context.Background()))

	require.NoError(t, ln.Close())
	require.False(t, p.Probe(context.Background()))
}

func TestRunFeedsSignal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := NewSignal(nil, nil)
	p, err := NewProber("ws://"+addr, 20*time.Millisecond, s, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return !s.Network() }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
