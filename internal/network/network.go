// Package network reports the state of the connection downloads go through.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/batch_downloader/internal/logctx"
)

// Type is the kind of link the host is connected through.
type Type int

const (
	TypeNone Type = iota
	TypeEthernet
	TypeWifi
	TypeMobile
)

func (t Type) String() string {
	switch t {
	case TypeEthernet:
		return "ethernet"
	case TypeWifi:
		return "wifi"
	case TypeMobile:
		return "mobile"
	default:
		return "none"
	}
}

// ParseType parses a configured network type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ethernet":
		return TypeEthernet, nil
	case "wifi":
		return TypeWifi, nil
	case "mobile", "cellular":
		return TypeMobile, nil
	case "none":
		return TypeNone, nil
	default:
		return TypeNone, fmt.Errorf("unknown network type %q", s)
	}
}

// Info describes the active network.
type Info struct {
	Type      Type
	Connected bool
	Roaming   bool
	Metered   bool
	// Blocked is set when the host forbids this process from using the
	// network at all.
	Blocked bool
}

// ExemptFromSizeLimits reports whether downloads of any size may use this
// network. Only mobile links are size limited.
func (i Info) ExemptFromSizeLimits() bool {
	return i.Type != TypeMobile
}

// Config is the static description of the host network.
type Config struct {
	Type    Type
	Roaming bool
	Metered bool

	MaxBytesOverMobile            int64
	RecommendedMaxBytesOverMobile int64

	// ProbeAddress is a host:port dialed to detect connectivity. Empty means
	// the network is assumed to be always connected.
	ProbeAddress  string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Monitor is a network facade for a statically configured host whose
// connectivity is probed over TCP.
type Monitor struct {
	cfg  Config
	dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu        sync.RWMutex
	connected bool
	blocked   bool
}

// NewMonitor creates a monitor. It starts out connected until a probe says
// otherwise.
func NewMonitor(cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	d := &net.Dialer{}

	return &Monitor{
		cfg:       cfg,
		dial:      d.DialContext,
		connected: cfg.Type != TypeNone,
	}
}

// ActiveNetworkInfo returns the current network. ok is false when there is
// no active network.
func (m *Monitor) ActiveNetworkInfo(_ context.Context) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg.Type == TypeNone {
		return Info{}, false
	}

	return Info{
		Type:      m.cfg.Type,
		Connected: m.connected,
		Roaming:   m.cfg.Roaming,
		Metered:   m.cfg.Metered || m.cfg.Type == TypeMobile,
		Blocked:   m.blocked,
	}, true
}

// MaxBytesOverMobile returns the hard size limit for mobile downloads, or 0
// when there is none.
func (m *Monitor) MaxBytesOverMobile() int64 {
	return m.cfg.MaxBytesOverMobile
}

// RecommendedMaxBytesOverMobile returns the size above which the user has to
// confirm a mobile download, or 0 when there is none.
func (m *Monitor) RecommendedMaxBytesOverMobile() int64 {
	return m.cfg.RecommendedMaxBytesOverMobile
}

// SetBlocked marks the network as blocked for this process.
func (m *Monitor) SetBlocked(blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocked = blocked
}

// Probe dials the probe address once and records the result. It reports
// whether connectivity changed.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.cfg.ProbeAddress == "" || m.cfg.Type == TypeNone {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	connected := true

	conn, err := m.dial(ctx, "tcp", m.cfg.ProbeAddress)
	if err != nil {
		connected = false
	} else {
		conn.Close()
	}

	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()

	return changed
}

// Watch probes connectivity until ctx is done and calls onChange whenever it
// flips.
func (m *Monitor) Watch(ctx context.Context, onChange func(connected bool)) {
	if m.cfg.ProbeAddress == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx).With("component", "network_monitor")

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		if m.Probe(ctx) {
			info, _ := m.ActiveNetworkInfo(ctx)
			logger.Info("network connectivity changed", "connected", info.Connected, "type", info.Type.String())

			if onChange != nil {
				onChange(info.Connected)
			}
		}

		select {
		case <-ctx.Done():
			logger.Debug("network monitor stopped", slog.String("reason", ctx.Err().Error()))

			return
		case <-ticker.C:
		}
	}
}
