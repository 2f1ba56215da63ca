// Package p2p implements the Fast-mode backend: a shareable connection
// token and bookkeeping for peer connections. Transport internals (STUN,
// hole-punching) are explicitly out of scope per the spec;
// DiscoverPublicAddress is a pluggable strategy whose default reports no
// public address. The package has no listener or accept loop of its own:
// connections accepted elsewhere are registered with TrackAccepted, and no
// traffic is relayed by this package.
package p2p

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	imetrics "beam-tunnel-daemon/internal/metrics"
)

const tokenPrefix = "beam-p2p:"

// EncodeToken builds the base64-encoded "beam-p2p:<ip>:<port>" sharing
// token described in §6.4.
func EncodeToken(ip string, port int) string {
	raw := fmt.Sprintf("%s%s:%d", tokenPrefix, ip, port)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeToken reverses EncodeToken. It rejects input that does not decode,
// does not start with the prefix, or lacks exactly one colon separator
// after the prefix.
func DecodeToken(token string) (ip string, port int, err error) {
	raw, decErr := base64.StdEncoding.DecodeString(withPadding(token))
	if decErr != nil {
		return "", 0, fmt.Errorf("p2p: invalid base64 token: %w", decErr)
	}
	s := string(raw)
	if !strings.HasPrefix(s, tokenPrefix) {
		return "", 0, fmt.Errorf("p2p: token missing %q prefix", tokenPrefix)
	}
	rest := s[len(tokenPrefix):]
	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("p2p: token must contain exactly one colon separator after prefix")
	}
	port, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return "", 0, fmt.Errorf("p2p: invalid port in token: %w", convErr)
	}
	return parts[0], port, nil
}

func withPadding(s string) string {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}

// AddressDiscoverer resolves this host's publicly reachable address. The
// default implementation (LoopbackDiscoverer) reports no address, so the
// Manager falls back to the loopback address; a STUN client can be plugged
// in here instead.
type AddressDiscoverer func(localPort int) (string, error)

// LoopbackDiscoverer is the default AddressDiscoverer: no public address is
// actually reachable, so callers fall back to the local bind address.
func LoopbackDiscoverer(localPort int) (string, error) {
	return "", fmt.Errorf("p2p: no public address discovery configured")
}

// ConnectionState tracks a single accepted peer connection, grounded on the
// original source's per-connection bookkeeping (p2p.rs).
type ConnectionState struct {
	ID         string
	RemoteAddr string
	OpenedAt   time.Time
	BytesIn    int64
	BytesOut   int64
	RTT        time.Duration
}

// Manager owns the P2P bookkeeping: the connection table and the
// address-discovery strategy. It does not accept or relay connections
// itself; it only records the ones passed to TrackAccepted.
type Manager struct {
	mu          sync.Mutex
	localPort   int
	discoverer  AddressDiscoverer
	publicAddr  string
	connections map[string]*ConnectionState
}

// NewManager builds a Manager bound to localPort.
func NewManager(localPort int, discoverer AddressDiscoverer) *Manager {
	if discoverer == nil {
		discoverer = LoopbackDiscoverer
	}
	return &Manager{
		localPort:   localPort,
		discoverer:  discoverer,
		connections: make(map[string]*ConnectionState),
	}
}

// DiscoverPublicAddress attempts to resolve a publicly reachable address,
// caching the result. On failure it returns the local bind address, per the
// round-trip property: parse_connection_token(generate_connection_token())
// equals the local bind address when no public address is set.
func (m *Manager) DiscoverPublicAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publicAddr != "" {
		return m.publicAddr
	}
	if addr, err := m.discoverer(m.localPort); err == nil && addr != "" {
		m.publicAddr = addr
		return addr
	}
	return "127.0.0.1"
}

// GenerateConnectionToken builds the shareable token for the discovered (or
// local) address.
func (m *Manager) GenerateConnectionToken() string {
	return EncodeToken(m.DiscoverPublicAddress(), m.localPort)
}

// TrackAccepted registers a newly accepted peer connection and returns its
// tracking id.
func (m *Manager) TrackAccepted(conn net.Conn) *ConnectionState {
	state := &ConnectionState{
		ID:         uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
		OpenedAt:   time.Now(),
	}
	m.mu.Lock()
	m.connections[state.ID] = state
	m.mu.Unlock()
	imetrics.P2PConnectionOpened()
	return state
}

// RecordBytes accumulates transferred byte counts for an open connection.
func (m *Manager) RecordBytes(id string, in, out int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.connections[id]; ok {
		state.BytesIn += in
		state.BytesOut += out
	}
}

// CloseConnection removes a connection from the table.
func (m *Manager) CloseConnection(id string) {
	m.mu.Lock()
	delete(m.connections, id)
	m.mu.Unlock()
	imetrics.P2PConnectionClosed()
}

// Connections returns a snapshot of currently tracked connections.
func (m *Manager) Connections() []*ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ConnectionState, 0, len(m.connections))
	for _, s := range m.connections {
		copyState := *s
		out = append(out, &copyState)
	}
	return out
}

// MeasureRTT does a minimal TCP connect-and-close round trip to estimate
// latency to a candidate peer address.
func MeasureRTT(addr string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return time.Since(start), nil
}
