// Package transit implements the Transit handshake state machine: the
// ability/hint exchange over the Wormhole mailbox, the parallel direct and
// relay connection race, the relay and sender/receiver handshakes, and the
// go/nevermind arbitration that elects a single endpoint.
package transit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/postalsys/wormhole-transit/internal/crypto"
	"github.com/postalsys/wormhole-transit/internal/endpoint"
	"github.com/postalsys/wormhole-transit/internal/identity"
	"github.com/postalsys/wormhole-transit/internal/logging"
	"github.com/postalsys/wormhole-transit/internal/metrics"
	"github.com/postalsys/wormhole-transit/internal/wire"
	"github.com/postalsys/wormhole-transit/internal/wormhole"
)

// Role distinguishes the offering side from the accepting side.
type Role int

// Transfer roles.
const (
	RoleSender Role = iota
	RoleReceiver
)

// String returns the role name for logging and handshake literals.
func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

var (
	// ErrRelayHandshake is returned when a relay does not answer ok.
	ErrRelayHandshake = errors.New("relay handshake failed")

	// ErrInvalidHandshake is returned when a peer sends wrong handshake bytes.
	ErrInvalidHandshake = errors.New("invalid transit handshake")

	// ErrNoUsableHint mirrors endpoint.ErrNoUsableHint for callers that
	// only import this package.
	ErrNoUsableHint = endpoint.ErrNoUsableHint
)

// Wire literals fixed by the protocol.
const (
	goMsg        = "go\n"
	nevermindMsg = "nevermind\n"
	relayOKMsg   = "ok\n"
)

// Config carries the per-transfer parameters.
type Config struct {
	Role Role

	// AppID is the Wormhole application ID the transit key is bound to.
	AppID string

	// Abilities we advertise. Defaults to direct-tcp-v1 and relay-v1.
	Abilities []wire.Ability

	// RelayHint, when set, is advertised to the peer and dialed as a
	// relay candidate.
	RelayHint *wire.ConnectionHint

	// NoListen disables the inbound listener (used by tests and
	// relay-only configurations).
	NoListen bool

	// ListenPort pins the inbound listen port. Zero allocates an
	// ephemeral port.
	ListenPort uint16

	// ExtraHints are advertised in addition to the enumerated local
	// interface hints, for deployments where the reachable address is
	// known out of band.
	ExtraHints []wire.ConnectionHint

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Transit negotiates one encrypted connection to the peer.
type Transit struct {
	cfg    Config
	mb     wormhole.Connection
	keys   *crypto.TransitKeys
	side   identity.Side
	logger *slog.Logger
}

// New derives the transit subkeys from the mailbox session key and prepares
// a negotiation in the given role.
func New(mb wormhole.Connection, cfg Config) (*Transit, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if len(cfg.Abilities) == 0 {
		cfg.Abilities = []wire.Ability{wire.AbilityDirectTCPV1, wire.AbilityRelayV1}
	}

	sessionKey := mb.SharedKey()
	transitKey, err := crypto.DeriveTransitKey(cfg.AppID, sessionKey[:])
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveTransitKeys(transitKey)
	if err != nil {
		return nil, err
	}

	side, err := identity.NewSide()
	if err != nil {
		return nil, err
	}

	return &Transit{
		cfg:    cfg,
		mb:     mb,
		keys:   keys,
		side:   side,
		logger: cfg.Logger.With(logging.KeyComponent, "transit", logging.KeyRole, cfg.Role.String()),
	}, nil
}

// Keys exposes the derived subkeys for the record pipeline.
func (t *Transit) Keys() *crypto.TransitKeys {
	return t.keys
}

// Side returns this side's transfer identifier.
func (t *Transit) Side() identity.Side {
	return t.side
}

// SenderHandshake returns the literal bytes the sending side writes on
// every candidate connection.
func SenderHandshake(keys *crypto.TransitKeys) []byte {
	return []byte(fmt.Sprintf("transit sender %x ready\n\n", keys.SenderHandshake))
}

// ReceiverHandshake returns the literal bytes the receiving side writes on
// every candidate connection.
func ReceiverHandshake(keys *crypto.TransitKeys) []byte {
	return []byte(fmt.Sprintf("transit receiver %x ready\n\n", keys.ReceiverHandshake))
}

// RelayHandshake returns the line both sides send a relay before the
// sender/receiver handshake.
func RelayHandshake(keys *crypto.TransitKeys, side identity.Side) []byte {
	return []byte(fmt.Sprintf("please relay %x for side %s\n", keys.RelayHandshake, side))
}

// Establish runs the full negotiation: transit message exchange, the
// candidate race, both handshakes, and election. It returns the single
// elected endpoint; all other candidates are closed. The caller bounds the
// overall negotiation through ctx.
func (t *Transit) Establish(ctx context.Context) (*endpoint.Endpoint, error) {
	return t.establish(ctx, nil)
}

// Respond is Establish for a side that already holds the peer's transit
// message (read from the mailbox by the offer loop): it sends our transit
// message and proceeds straight to the race.
func (t *Transit) Respond(ctx context.Context, peer *wire.Transit) (*endpoint.Endpoint, error) {
	return t.establish(ctx, peer)
}

func (t *Transit) establish(ctx context.Context, peer *wire.Transit) (*endpoint.Endpoint, error) {
	var (
		listener *endpoint.Listener
		ourHints []wire.ConnectionHint
	)

	if !t.cfg.NoListen {
		port := t.cfg.ListenPort
		if port == 0 {
			var err error
			if port, err = endpoint.AllocatePort(); err != nil {
				return nil, err
			}
		}
		var err error
		listener, err = endpoint.Listen(port)
		if err != nil {
			return nil, err
		}
		defer listener.Close()
		ourHints = endpoint.LocalDirectHints(port)
		t.logger.Debug("listening for inbound candidates",
			logging.KeyLocalAddr, listener.Addr().String(),
			logging.KeyCount, len(ourHints))
	}
	ourHints = append(ourHints, t.cfg.ExtraHints...)
	if t.cfg.RelayHint != nil {
		ourHints = append(ourHints, *t.cfg.RelayHint)
	}
	ourHints = wire.Dedup(ourHints)

	if peer == nil {
		var err error
		if peer, err = t.exchangeTransit(ctx, ourHints); err != nil {
			return nil, err
		}
	} else {
		if err := t.sendTransit(ourHints); err != nil {
			return nil, err
		}
		peer.HintsV1 = wire.Dedup(peer.HintsV1)
	}

	candidates := t.buildCandidates(peer)
	t.logger.Debug("negotiated", logging.KeyCount, len(candidates))

	if len(candidates) == 0 && listener == nil {
		return nil, ErrNoUsableHint
	}

	return t.race(ctx, listener, candidates)
}

// sendTransit transmits our transit message on the mailbox.
func (t *Transit) sendTransit(ourHints []wire.ConnectionHint) error {
	payload, err := wire.Encode(wire.TransitEnvelope(t.cfg.Abilities, ourHints))
	if err != nil {
		return err
	}
	if err := t.mb.SendPlain(payload); err != nil {
		return fmt.Errorf("send transit message: %w", err)
	}
	return nil
}

// exchangeTransit sends our transit message and receives the peer's. The
// two directions run concurrently; either may complete first.
func (t *Transit) exchangeTransit(ctx context.Context, ourHints []wire.ConnectionHint) (*wire.Transit, error) {
	env := wire.TransitEnvelope(t.cfg.Abilities, ourHints)
	payload, err := wire.Encode(env)
	if err != nil {
		return nil, err
	}

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- t.mb.SendPlain(payload)
	}()

	type recvResult struct {
		transit *wire.Transit
		err     error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		msg, err := t.mb.ReceivePlain()
		if err != nil {
			recvCh <- recvResult{err: fmt.Errorf("receive transit message: %w", err)}
			return
		}
		peerEnv, err := wire.Decode(msg)
		if err != nil {
			recvCh <- recvResult{err: err}
			return
		}
		switch {
		case peerEnv.Transit != nil:
			recvCh <- recvResult{transit: peerEnv.Transit}
		case peerEnv.Error != nil:
			recvCh <- recvResult{err: fmt.Errorf("peer error: %s", *peerEnv.Error)}
		default:
			recvCh <- recvResult{err: fmt.Errorf("%w: wanted transit", wire.ErrUnexpectedMessage)}
		}
	}()

	var peer *wire.Transit
	for i := 0; i < 2; i++ {
		select {
		case err := <-sendErr:
			if err != nil {
				return nil, fmt.Errorf("send transit message: %w", err)
			}
		case res := <-recvCh:
			if res.err != nil {
				return nil, res.err
			}
			peer = res.transit
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	peer.HintsV1 = wire.Dedup(peer.HintsV1)
	return peer, nil
}

// candidate is one dialable endpoint extracted from the peer's hints.
type candidate struct {
	kind endpoint.Kind
	hint wire.Hint
}

// buildCandidates expands the peer's hints into dial targets, filtered by
// our own abilities. Relay hints expand into one candidate per entry; our
// own configured relay is dialed too, since both sides must reach the
// relay for it to pair them. Direct candidates are ordered by descending
// priority.
func (t *Transit) buildCandidates(peer *wire.Transit) []candidate {
	canDirect := t.hasAbility(wire.AbilityDirectTCPV1)
	canRelay := t.hasAbility(wire.AbilityRelayV1)

	var directs []wire.Hint
	var relays []wire.Hint
	for _, ch := range peer.HintsV1 {
		switch ch.Type {
		case wire.AbilityDirectTCPV1:
			if canDirect {
				directs = append(directs, ch.Direct)
			}
		case wire.AbilityRelayV1:
			if canRelay {
				relays = append(relays, ch.Relay...)
			}
		}
	}
	if canRelay && t.cfg.RelayHint != nil {
		for _, h := range t.cfg.RelayHint.Relay {
			dup := false
			for _, seen := range relays {
				if seen == h {
					dup = true
					break
				}
			}
			if !dup {
				relays = append(relays, h)
			}
		}
	}
	wire.SortByPriority(directs)
	wire.SortByPriority(relays)

	out := make([]candidate, 0, len(directs)+len(relays))
	for _, h := range directs {
		out = append(out, candidate{kind: endpoint.KindDirect, hint: h})
	}
	for _, h := range relays {
		out = append(out, candidate{kind: endpoint.KindRelay, hint: h})
	}
	return out
}

func (t *Transit) hasAbility(a wire.Ability) bool {
	for _, ab := range t.cfg.Abilities {
		if ab == a {
			return true
		}
	}
	return false
}
