package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const defaultProbeTimeout = 3 * time.Second

// Prober checks host network reachability by opening a TCP connection to
// the server and feeds the result into a Signal.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	signal   *Signal
	logger   *zap.Logger
	dialer   net.Dialer
}

// NewProber derives the probe address from the server URL. ws and http
// default to port 80, wss and https to 443.
func NewProber(serverURL string, interval time.Duration, s *Signal, logger *zap.Logger) (*Prober, error) {
	addr, err := probeAddr(serverURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		addr:     addr,
		interval: interval,
		timeout:  min(defaultProbeTimeout, interval),
		signal:   s,
		logger:   logger,
	}, nil
}

func probeAddr(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Probe reports whether the server address accepts TCP connections.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("addr", p.addr), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		up := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		p.signal.SetNetwork(up)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
