package transit

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/wormhole-transit/internal/endpoint"
	"github.com/postalsys/wormhole-transit/internal/metrics"
	"github.com/postalsys/wormhole-transit/internal/record"
	"github.com/postalsys/wormhole-transit/internal/relay"
	"github.com/postalsys/wormhole-transit/internal/wire"
	"github.com/postalsys/wormhole-transit/internal/wormhole"
)

const testAppID = "lothar.com/wormhole/text-or-file-xfer"

// listenPort extracts the port of a bound listener address.
func listenPort(t *testing.T, addr string) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return uint16(port)
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

// establishPair runs both sides of a negotiation and returns the elected
// endpoints.
func establishPair(t *testing.T, senderCfg, receiverCfg Config) (*endpoint.Endpoint, *endpoint.Endpoint, *Transit, *Transit) {
	t.Helper()

	var key [wormhole.KeySize]byte
	key[0] = 0x11
	mbS, mbR := wormhole.Pair(key)
	t.Cleanup(func() { mbS.Close(); mbR.Close() })

	senderCfg.Role = RoleSender
	senderCfg.AppID = testAppID
	senderCfg.Metrics = testMetrics()
	receiverCfg.Role = RoleReceiver
	receiverCfg.AppID = testAppID
	receiverCfg.Metrics = testMetrics()

	sender, err := New(mbS, senderCfg)
	if err != nil {
		t.Fatalf("New(sender) error = %v", err)
	}
	receiver, err := New(mbR, receiverCfg)
	if err != nil {
		t.Fatalf("New(receiver) error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	type result struct {
		ep  *endpoint.Endpoint
		err error
	}
	senderCh := make(chan result, 1)
	go func() {
		ep, err := sender.Establish(ctx)
		senderCh <- result{ep, err}
	}()

	recvEp, err := receiver.Establish(ctx)
	if err != nil {
		t.Fatalf("receiver Establish() error = %v", err)
	}
	senderRes := <-senderCh
	if senderRes.err != nil {
		t.Fatalf("sender Establish() error = %v", senderRes.err)
	}

	t.Cleanup(func() {
		senderRes.ep.Conn.Close()
		recvEp.Conn.Close()
	})
	return senderRes.ep, recvEp, sender, receiver
}

// verifyPipeline pushes a payload through the elected endpoints and checks
// the digest ack round trip.
func verifyPipeline(t *testing.T, senderEp, recvEp *endpoint.Endpoint, sender *Transit, data []byte) {
	t.Helper()

	var sink bytes.Buffer
	recvDone := make(chan error, 1)
	go func() {
		r := record.NewReceiver(recvEp.Conn, sender.Keys(), nil)
		_, err := r.Receive(context.Background(), &sink, int64(len(data)))
		recvDone <- err
	}()

	s := record.NewSender(senderEp.Conn, sender.Keys(), nil, nil)
	if _, _, err := s.Send(context.Background(), bytes.NewReader(data)); err != nil {
		t.Fatalf("pipeline Send() error = %v", err)
	}
	if err := <-recvDone; err != nil {
		t.Fatalf("pipeline Receive() error = %v", err)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Errorf("pipeline delivered %d bytes, want %d", sink.Len(), len(data))
	}
}

func TestEstablishDirect(t *testing.T) {
	port, err := endpoint.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() error = %v", err)
	}

	// The sender listens on a pinned port and advertises the loopback
	// address; the receiver dials in. This mirrors a NAT'd sender whose
	// reachable address is known out of band.
	senderEp, recvEp, sender, _ := establishPair(t,
		Config{
			ListenPort: port,
			ExtraHints: []wire.ConnectionHint{wire.DirectHint("127.0.0.1", port, 0.0)},
		},
		Config{NoListen: true},
	)

	if senderEp.State() != endpoint.StateElected || recvEp.State() != endpoint.StateElected {
		t.Errorf("states = %s / %s, want elected", senderEp.State(), recvEp.State())
	}
	if senderEp.Kind != endpoint.KindDirect || recvEp.Kind != endpoint.KindDirect {
		t.Errorf("kinds = %s / %s, want direct", senderEp.Kind, recvEp.Kind)
	}

	verifyPipeline(t, senderEp, recvEp, sender, []byte("hello\n"))
}

func TestEstablishRelay(t *testing.T) {
	srv := relay.New(relay.Config{
		Address: "127.0.0.1:0",
		Metrics: testMetrics(),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("relay Start() error = %v", err)
	}
	defer srv.Close()

	relayHint := wire.RelayHint(wire.Hint{
		Type:     wire.AbilityDirectTCPV1,
		Priority: 0.0,
		Hostname: "127.0.0.1",
		Port:     listenPort(t, srv.Addr().String()),
	})

	// Only the sender holds the relay by configuration; neither side has
	// a dialable direct path.
	senderEp, recvEp, sender, _ := establishPair(t,
		Config{NoListen: true, RelayHint: &relayHint},
		Config{NoListen: true},
	)

	if senderEp.Kind != endpoint.KindRelay || recvEp.Kind != endpoint.KindRelay {
		t.Errorf("kinds = %s / %s, want relay", senderEp.Kind, recvEp.Kind)
	}

	verifyPipeline(t, senderEp, recvEp, sender, bytes.Repeat([]byte{0x3C}, 3*record.ChunkSize+5))
}

func TestEstablishNoUsableHint(t *testing.T) {
	var key [wormhole.KeySize]byte
	mbS, mbR := wormhole.Pair(key)
	defer mbS.Close()
	defer mbR.Close()

	sender, err := New(mbS, Config{Role: RoleSender, AppID: testAppID, NoListen: true, Metrics: testMetrics()})
	if err != nil {
		t.Fatalf("New(sender) error = %v", err)
	}
	receiver, err := New(mbR, Config{Role: RoleReceiver, AppID: testAppID, NoListen: true, Metrics: testMetrics()})
	if err != nil {
		t.Fatalf("New(receiver) error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	senderErr := make(chan error, 1)
	go func() {
		_, err := sender.Establish(ctx)
		senderErr <- err
	}()

	if _, err := receiver.Establish(ctx); !errors.Is(err, ErrNoUsableHint) {
		t.Errorf("receiver Establish() error = %v, want ErrNoUsableHint", err)
	}
	if err := <-senderErr; !errors.Is(err, ErrNoUsableHint) {
		t.Errorf("sender Establish() error = %v, want ErrNoUsableHint", err)
	}
}

func TestExchangeTransitPeerError(t *testing.T) {
	var key [wormhole.KeySize]byte
	mbS, mbR := wormhole.Pair(key)
	defer mbS.Close()
	defer mbR.Close()

	sender, err := New(mbS, Config{Role: RoleSender, AppID: testAppID, NoListen: true, Metrics: testMetrics()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	go func() {
		// Drain the sender's transit message, then report an error.
		mbR.ReceivePlain()
		payload, _ := wire.Encode(wire.ErrorEnvelope("transfer rejected"))
		mbR.SendPlain(payload)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := sender.Establish(ctx); err == nil {
		t.Error("Establish() succeeded despite peer error")
	}
}
