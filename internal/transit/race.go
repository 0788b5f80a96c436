package transit

import (
	"context"
	"crypto/hmac"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/postalsys/wormhole-transit/internal/endpoint"
	"github.com/postalsys/wormhole-transit/internal/logging"
)

// election tracks the single winner of a race. The first candidate to
// claim it is elected; everyone else is told to stand down.
type election struct {
	mu   sync.Mutex
	done bool
}

// claim returns true exactly once.
func (e *election) claim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.done = true
	return true
}

// race runs one handshake task per candidate plus an accept loop for
// inbound candidates, and returns the first endpoint to win election.
// Losing candidates are cancelled and their sockets closed.
func (t *Transit) race(ctx context.Context, listener *endpoint.Listener, candidates []candidate) (*endpoint.Endpoint, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		el     election
		winner = make(chan *endpoint.Endpoint, 1)
		failed = make(chan error, len(candidates))
	)

	for _, c := range candidates {
		go func(c candidate) {
			t.cfg.Metrics.CandidatesAttempted.WithLabelValues(c.kind.String(), "outbound").Inc()
			ep, err := endpoint.Dial(raceCtx, c.kind, c.hint)
			if err != nil {
				t.logger.Debug("candidate dial failed",
					logging.KeyHint, c.hint.Addr(), logging.KeyError, err)
				t.cfg.Metrics.CandidatesFailed.WithLabelValues("dial").Inc()
				failed <- err
				return
			}
			failed <- t.runCandidate(raceCtx, ep, &el, winner)
		}(c)
	}

	if listener != nil {
		go t.acceptLoop(raceCtx, listener, &el, winner)
	}

	outstanding := len(candidates)
	for {
		select {
		case ep := <-winner:
			// The winner's state is already Elected, so the cancel
			// watcher leaves its socket alone.
			cancel()
			t.cfg.Metrics.ElectedEndpoints.WithLabelValues(ep.Kind.String()).Inc()
			t.logger.Info("endpoint elected",
				logging.KeyKind, ep.Kind.String(),
				logging.KeyRemoteAddr, ep.Conn.RemoteAddr().String())
			return ep, nil
		case <-failed:
			outstanding--
			if outstanding <= 0 && listener == nil {
				return nil, ErrNoUsableHint
			}
		case <-ctx.Done():
			// The caller's deadline bounds how long we wait for a
			// late inbound candidate.
			return nil, fmt.Errorf("%w: %v", ErrNoUsableHint, ctx.Err())
		}
	}
}

// acceptLoop feeds inbound connections into the race as Direct candidates.
func (t *Transit) acceptLoop(ctx context.Context, listener *endpoint.Listener, el *election, winner chan<- *endpoint.Endpoint) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		ep, err := listener.Accept()
		if err != nil {
			return
		}
		t.cfg.Metrics.CandidatesAttempted.WithLabelValues(ep.Kind.String(), "inbound").Inc()
		go t.runCandidate(ctx, ep, el, winner)
	}
}

// runCandidate drives one endpoint through the relay handshake (if it is a
// relay), the sender/receiver handshake, and election. Failures drop only
// this candidate.
func (t *Transit) runCandidate(ctx context.Context, ep *endpoint.Endpoint, el *election, winner chan<- *endpoint.Endpoint) error {
	started := time.Now()

	// Cooperative cancellation: when the race ends, pending reads on
	// losing candidates are unblocked by closing the socket.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			if ep.State() != endpoint.StateElected {
				ep.Drop()
			}
		case <-watchDone:
		}
	}()

	if ep.Kind == endpoint.KindRelay {
		if err := t.relayHandshake(ep); err != nil {
			t.logger.Debug("relay handshake failed",
				logging.KeyHint, ep.Hint.Addr(), logging.KeyError, err)
			t.cfg.Metrics.HandshakeErrors.WithLabelValues("relay").Inc()
			ep.Drop()
			return err
		}
	}

	var err error
	if t.cfg.Role == RoleSender {
		err = t.senderHandshake(ep, el, winner)
	} else {
		err = t.receiverHandshake(ep, el, winner)
	}
	if err != nil {
		t.logger.Debug("candidate handshake failed",
			logging.KeyHint, ep.Hint.Addr(), logging.KeyError, err)
		t.cfg.Metrics.HandshakeErrors.WithLabelValues(t.cfg.Role.String()).Inc()
		ep.Drop()
		return err
	}

	t.cfg.Metrics.HandshakeLatency.Observe(time.Since(started).Seconds())
	return nil
}

// relayHandshake announces our side to the relay and waits for its ok.
func (t *Transit) relayHandshake(ep *endpoint.Endpoint) error {
	if _, err := ep.Conn.Write(RelayHandshake(t.keys, t.side)); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayHandshake, err)
	}

	buf := make([]byte, len(relayOKMsg))
	if _, err := io.ReadFull(ep.Conn, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayHandshake, err)
	}
	if string(buf) != relayOKMsg {
		return fmt.Errorf("%w: relay answered %q", ErrRelayHandshake, buf)
	}
	return nil
}

// senderHandshake writes the sender handshake, verifies the receiver's,
// and arbitrates: the first candidate through gets go, everyone else gets
// nevermind.
func (t *Transit) senderHandshake(ep *endpoint.Endpoint, el *election, winner chan<- *endpoint.Endpoint) error {
	if _, err := ep.Conn.Write(SenderHandshake(t.keys)); err != nil {
		return err
	}

	if err := readExpect(ep.Conn, ReceiverHandshake(t.keys)); err != nil {
		return err
	}
	ep.SetState(endpoint.StateHandshakeOK)

	if !el.claim() {
		ep.Conn.Write([]byte(nevermindMsg))
		ep.Drop()
		return nil
	}

	if _, err := ep.Conn.Write([]byte(goMsg)); err != nil {
		return err
	}
	ep.SetState(endpoint.StateElected)
	winner <- ep
	return nil
}

// receiverHandshake writes the receiver handshake, verifies the sender's,
// and waits for the verdict. Only a go elects this candidate; a nevermind
// drops it without failing the race.
func (t *Transit) receiverHandshake(ep *endpoint.Endpoint, el *election, winner chan<- *endpoint.Endpoint) error {
	if _, err := ep.Conn.Write(ReceiverHandshake(t.keys)); err != nil {
		return err
	}

	if err := readExpect(ep.Conn, SenderHandshake(t.keys)); err != nil {
		return err
	}
	ep.SetState(endpoint.StateHandshakeOK)

	elected, err := readVerdict(ep.Conn)
	if err != nil {
		return err
	}
	if !elected {
		ep.Drop()
		return nil
	}

	if !el.claim() {
		// A correct sender sends go on exactly one connection; a second
		// go means the peer is broken.
		ep.Drop()
		return fmt.Errorf("%w: duplicate go", ErrInvalidHandshake)
	}
	ep.SetState(endpoint.StateElected)
	winner <- ep
	return nil
}

// readExpect consumes exactly len(want) bytes and verifies them in
// constant time. Any deviation is an invalid handshake.
func readExpect(r io.Reader, want []byte) error {
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if !hmac.Equal(buf, want) {
		return fmt.Errorf("%w: wrong handshake bytes", ErrInvalidHandshake)
	}
	return nil
}

// readVerdict reads the sender's arbitration: go elects the candidate,
// nevermind stands it down. The record stream follows immediately after
// go, so only the verdict's own bytes are consumed.
func readVerdict(r io.Reader) (bool, error) {
	buf := make([]byte, len(goMsg))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if string(buf) == goMsg {
		return true, nil
	}
	if string(buf) == nevermindMsg[:len(goMsg)] {
		rest := make([]byte, len(nevermindMsg)-len(goMsg))
		if _, err := io.ReadFull(r, rest); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
		}
		if string(buf)+string(rest) == nevermindMsg {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: wrong verdict bytes", ErrInvalidHandshake)
}
