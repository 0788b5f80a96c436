// Package transfer implements offer handling on top of the Transit layer:
// file and directory offers, answer acknowledgements, the staged receive
// sink, and text messages that never leave the mailbox.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/postalsys/wormhole-transit/internal/logging"
	"github.com/postalsys/wormhole-transit/internal/metrics"
	"github.com/postalsys/wormhole-transit/internal/record"
	"github.com/postalsys/wormhole-transit/internal/transit"
	"github.com/postalsys/wormhole-transit/internal/wire"
	"github.com/postalsys/wormhole-transit/internal/wormhole"
)

var (
	// ErrOfferRejected is returned when the peer answers anything other
	// than ok.
	ErrOfferRejected = errors.New("offer rejected by peer")

	// ErrPeer is returned when the peer reports a protocol error.
	ErrPeer = errors.New("peer reported error")
)

// Options carries the per-transfer knobs shared by both roles.
type Options struct {
	// AppID binds the transit key. Both sides must agree.
	AppID string

	// Abilities to advertise; empty means both.
	Abilities []wire.Ability

	// RelayHint is advertised and dialed when set.
	RelayHint *wire.ConnectionHint

	// NoListen disables inbound direct candidates.
	NoListen bool

	// ListenPort pins the inbound listen port (0 = ephemeral).
	ListenPort uint16

	// ExtraHints are advertised in addition to enumerated interface
	// hints.
	ExtraHints []wire.ConnectionHint

	// RateLimitBPS throttles the send pipeline in plaintext bytes per
	// second. Zero means unthrottled.
	RateLimitBPS int64

	// Archiver packs and unpacks directory offers. Nil uses ZipArchiver.
	Archiver Archiver

	// OnProgress, when set, receives running transferred plaintext bytes
	// against the expected total.
	OnProgress func(done, total int64)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return logging.NopLogger()
	}
	return o.Logger
}

func (o *Options) metrics() *metrics.Metrics {
	if o.Metrics == nil {
		return metrics.Default()
	}
	return o.Metrics
}

func (o *Options) archiver() Archiver {
	if o.Archiver == nil {
		return &ZipArchiver{}
	}
	return o.Archiver
}

func (o *Options) transitConfig(role transit.Role) transit.Config {
	return transit.Config{
		Role:       role,
		AppID:      o.AppID,
		Abilities:  o.Abilities,
		RelayHint:  o.RelayHint,
		NoListen:   o.NoListen,
		ListenPort: o.ListenPort,
		ExtraHints: o.ExtraHints,
		Logger:     o.Logger,
		Metrics:    o.Metrics,
	}
}

// Summary reports what a completed transfer carried.
type Summary struct {
	Kind   string // "file", "directory", or "message"
	Name   string
	Bytes  int64
	Digest string
	Text   string // set for messages
}

// readEnvelope reads and decodes the next mailbox message, surfacing peer
// error reports.
func readEnvelope(mb wormhole.Connection) (*wire.Envelope, error) {
	msg, err := mb.ReceivePlain()
	if err != nil {
		return nil, fmt.Errorf("receive mailbox message: %w", err)
	}
	env, err := wire.Decode(msg)
	if err != nil {
		return nil, err
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrPeer, *env.Error)
	}
	return env, nil
}

func sendEnvelope(mb wormhole.Connection, env *wire.Envelope) error {
	payload, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return mb.SendPlain(payload)
}

// SendFile offers path to the peer and streams it through an elected
// Transit connection. Directories are zipped first and offered as
// directory transfers.
func SendFile(ctx context.Context, mb wormhole.Connection, path string, opts Options) (*Summary, error) {
	logger := opts.logger().With(logging.KeyComponent, "transfer", logging.KeyRole, "sender")
	m := opts.metrics()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat offer path: %w", err)
	}

	var (
		offer      *wire.Envelope
		streamPath string
		streamSize int64
		summary    = &Summary{}
	)
	if info.IsDir() {
		archive, numFiles, totalBytes, err := opts.archiver().ZipDir(path)
		if err != nil {
			return nil, err
		}
		defer os.Remove(archive)

		zipInfo, err := os.Stat(archive)
		if err != nil {
			return nil, err
		}
		streamPath = archive
		streamSize = zipInfo.Size()
		summary.Kind = "directory"
		summary.Name = filepath.Base(path)
		offer = &wire.Envelope{Directory: &wire.DirectoryOffer{
			Mode:     wire.DirectoryMode,
			Dirname:  filepath.Base(path),
			Zipsize:  streamSize,
			Numbytes: totalBytes,
			Numfiles: numFiles,
		}}
		logger.Info("offering directory",
			"dirname", summary.Name, "files", numFiles, logging.KeyBytes, totalBytes)
	} else {
		streamPath = path
		streamSize = info.Size()
		summary.Kind = "file"
		summary.Name = filepath.Base(path)
		offer = &wire.Envelope{File: &wire.FileOffer{
			Filename: filepath.Base(path),
			Filesize: streamSize,
		}}
		logger.Info("offering file", "filename", summary.Name, logging.KeyBytes, streamSize)
	}

	t, err := transit.New(mb, opts.transitConfig(transit.RoleSender))
	if err != nil {
		return nil, err
	}
	ep, err := t.Establish(ctx)
	if err != nil {
		return nil, err
	}
	defer ep.Conn.Close()

	if err := sendEnvelope(mb, offer); err != nil {
		return nil, fmt.Errorf("send offer: %w", err)
	}
	answer, err := readEnvelope(mb)
	if err != nil {
		return nil, err
	}
	if answer.Answer == nil {
		return nil, fmt.Errorf("%w: wanted answer", wire.ErrUnexpectedMessage)
	}
	if answer.Answer.FileAck != "ok" {
		return nil, fmt.Errorf("%w: file_ack=%q", ErrOfferRejected, answer.Answer.FileAck)
	}

	src, err := os.Open(streamPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var limiter *rate.Limiter
	if opts.RateLimitBPS > 0 {
		burst := int(opts.RateLimitBPS)
		if burst < record.ChunkSize {
			burst = record.ChunkSize
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitBPS), burst)
	}

	sender := record.NewSender(ep.Conn, t.Keys(), limiter, opts.Logger)
	var lastProgress int64
	sender.OnProgress = func(sent int64) {
		m.BytesSent.Add(float64(sent - lastProgress))
		m.RecordsSent.Inc()
		lastProgress = sent
		if opts.OnProgress != nil {
			opts.OnProgress(sent, streamSize)
		}
	}

	sent, digest, err := sender.Send(ctx, src)
	if err != nil {
		m.TransfersTotal.WithLabelValues("sender", "error").Inc()
		return nil, err
	}
	m.TransfersTotal.WithLabelValues("sender", "ok").Inc()

	summary.Bytes = sent
	summary.Digest = digest
	logger.Info("transfer complete", logging.KeyBytes, sent, "sha256", digest)
	return summary, nil
}

// SendText delivers a short text message over the mailbox alone; no Transit
// connection is made.
func SendText(ctx context.Context, mb wormhole.Connection, text string, opts Options) error {
	logger := opts.logger().With(logging.KeyComponent, "transfer", logging.KeyRole, "sender")

	if err := sendEnvelope(mb, &wire.Envelope{Text: &text}); err != nil {
		return fmt.Errorf("send message offer: %w", err)
	}
	answer, err := readEnvelope(mb)
	if err != nil {
		return err
	}
	if answer.Answer == nil {
		return fmt.Errorf("%w: wanted answer", wire.ErrUnexpectedMessage)
	}
	if answer.Answer.MessageAck != "ok" {
		return fmt.Errorf("%w: message_ack=%q", ErrOfferRejected, answer.Answer.MessageAck)
	}
	logger.Info("message delivered", logging.KeyBytes, len(text))
	return nil
}

// Receive accepts whatever the peer offers: a text message is acknowledged
// and returned directly; a file or directory offer is pulled through an
// elected Transit connection into destDir.
func Receive(ctx context.Context, mb wormhole.Connection, destDir string, opts Options) (*Summary, error) {
	logger := opts.logger().With(logging.KeyComponent, "transfer", logging.KeyRole, "receiver")
	m := opts.metrics()

	first, err := readEnvelope(mb)
	if err != nil {
		return nil, err
	}

	// A text message never opens a Transit connection.
	if first.Text != nil {
		if err := sendEnvelope(mb, wire.MessageAckEnvelope()); err != nil {
			return nil, err
		}
		return &Summary{Kind: "message", Text: *first.Text}, nil
	}

	if first.Transit == nil {
		return nil, fmt.Errorf("%w: wanted transit or message", wire.ErrUnexpectedMessage)
	}

	t, err := transit.New(mb, opts.transitConfig(transit.RoleReceiver))
	if err != nil {
		return nil, err
	}
	ep, err := t.Respond(ctx, first.Transit)
	if err != nil {
		return nil, err
	}
	defer ep.Conn.Close()

	offer, err := readEnvelope(mb)
	if err != nil {
		return nil, err
	}

	switch {
	case offer.File != nil:
		return receiveFile(ctx, mb, t, ep.Conn, destDir, offer.File, opts, logger, m)
	case offer.Directory != nil:
		return receiveDirectory(ctx, mb, t, ep.Conn, destDir, offer.Directory, opts, logger, m)
	default:
		return nil, fmt.Errorf("%w: wanted offer", wire.ErrUnexpectedMessage)
	}
}
