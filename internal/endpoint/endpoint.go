// Package endpoint manages the TCP endpoints Transit races: local port
// allocation, interface hint enumeration, outbound dials and inbound
// accepts, and the per-endpoint connection state.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/postalsys/wormhole-transit/internal/wire"
)

// DialTimeout bounds a single candidate TCP connect attempt.
const DialTimeout = 10 * time.Second

// ErrNoUsableHint is returned when every candidate connection failed.
var ErrNoUsableHint = errors.New("no reachable peer")

// Kind tags an endpoint as a direct peer connection or a relay-mediated one.
type Kind int

// Endpoint kinds.
const (
	KindDirect Kind = iota
	KindRelay
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a candidate endpoint. Exactly one
// endpoint per transfer reaches StateElected.
type State int32

// Endpoint states.
const (
	StateCandidate State = iota
	StateConnected
	StateHandshakeOK
	StateElected
	StateDropped
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateCandidate:
		return "candidate"
	case StateConnected:
		return "connected"
	case StateHandshakeOK:
		return "handshake-ok"
	case StateElected:
		return "elected"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Endpoint is a live duplex TCP connection participating in the race.
type Endpoint struct {
	Conn net.Conn
	Kind Kind
	Hint wire.Hint

	state atomic.Int32
}

// New wraps an established connection as an endpoint in StateConnected.
func New(conn net.Conn, kind Kind, hint wire.Hint) *Endpoint {
	ep := &Endpoint{Conn: conn, Kind: kind, Hint: hint}
	ep.state.Store(int32(StateConnected))
	return ep
}

// State returns the endpoint's current lifecycle state.
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// SetState records a lifecycle transition.
func (e *Endpoint) SetState(s State) {
	e.state.Store(int32(s))
}

// Drop marks the endpoint dropped and closes its socket.
func (e *Endpoint) Drop() {
	e.SetState(StateDropped)
	e.Conn.Close()
}

// String returns a debug representation of the endpoint.
func (e *Endpoint) String() string {
	return fmt.Sprintf("Endpoint{%s %s %s}", e.Kind, e.Hint.Addr(), e.State())
}

// AllocatePort binds an ephemeral TCP port on the loopback interface, reads
// the assigned port, and releases the socket. The port number is advertised
// in hints; the listening socket is re-bound at that port for inbound
// direct connections.
func AllocatePort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// LocalDirectHints enumerates local non-loopback IPv4 addresses and emits
// one Direct hint per address at the given port.
func LocalDirectHints(port uint16) []wire.ConnectionHint {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var hints []wire.ConnectionHint
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		hints = append(hints, wire.DirectHint(ip.String(), port, 0.0))
	}
	return hints
}

// Dial attempts an outbound TCP connection to the hint within DialTimeout
// (or earlier if ctx ends) and tags the result with the given kind.
func Dial(ctx context.Context, kind Kind, hint wire.Hint) (*Endpoint, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", hint.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hint.Addr(), err)
	}
	return New(conn, kind, hint), nil
}

// Listener accepts inbound direct candidates on the advertised port.
type Listener struct {
	l    net.Listener
	port uint16
}

// Listen re-binds the advertised port on all interfaces. Direct hints carry
// per-interface addresses, so inbound connections may arrive on any of them.
func Listen(port uint16) (*Listener, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen port %d: %w", port, err)
	}
	return &Listener{l: l, port: port}, nil
}

// Accept waits for the next inbound connection and wraps it as a Direct
// endpoint. The hint records the remote address for logging.
func (ln *Listener) Accept() (*Endpoint, error) {
	conn, err := ln.l.Accept()
	if err != nil {
		return nil, err
	}

	hint := wire.Hint{Type: wire.AbilityDirectTCPV1, Port: ln.port}
	if host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		hint.Hostname = host
		if p, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			hint.Port = uint16(p)
		}
	}
	return New(conn, KindDirect, hint), nil
}

// Close stops accepting inbound candidates.
func (ln *Listener) Close() error {
	return ln.l.Close()
}

// Addr returns the bound listen address.
func (ln *Listener) Addr() net.Addr {
	return ln.l.Addr()
}
