package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/wormhole-transit/internal/logging"
	"github.com/postalsys/wormhole-transit/internal/metrics"
	"github.com/postalsys/wormhole-transit/internal/record"
	"github.com/postalsys/wormhole-transit/internal/transit"
	"github.com/postalsys/wormhole-transit/internal/wire"
	"github.com/postalsys/wormhole-transit/internal/wormhole"
)

// safeBasename reduces an offered name to a single normalized path element
// so a hostile peer cannot steer the destination.
func safeBasename(name string) (string, error) {
	name = norm.NFC.String(name)
	base := filepath.Base(filepath.FromSlash(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("%w: unusable offer name %q", wire.ErrSchema, name)
	}
	return base, nil
}

// runPipeline acknowledges the offer and drives the receive side of the
// record pipeline into dst.
func runPipeline(ctx context.Context, mb wormhole.Connection, t *transit.Transit, conn io.ReadWriter, dst io.Writer, size int64, opts Options, m *metrics.Metrics) (string, error) {
	if err := sendEnvelope(mb, wire.FileAckEnvelope()); err != nil {
		return "", fmt.Errorf("send answer: %w", err)
	}

	receiver := record.NewReceiver(conn, t.Keys(), opts.Logger)
	var lastProgress int64
	receiver.OnProgress = func(received int64) {
		m.BytesReceived.Add(float64(received - lastProgress))
		m.RecordsReceived.Inc()
		lastProgress = received
		if opts.OnProgress != nil {
			opts.OnProgress(received, size)
		}
	}

	digest, err := receiver.Receive(ctx, dst, size)
	if err != nil {
		m.TransfersTotal.WithLabelValues("receiver", "error").Inc()
		return "", err
	}
	m.TransfersTotal.WithLabelValues("receiver", "ok").Inc()
	return digest, nil
}

// receiveFile pulls a file offer into destDir through a staged temp file.
func receiveFile(ctx context.Context, mb wormhole.Connection, t *transit.Transit, conn io.ReadWriter, destDir string, offer *wire.FileOffer, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Summary, error) {
	base, err := safeBasename(offer.Filename)
	if err != nil {
		return nil, err
	}
	finalPath := filepath.Join(destDir, base)
	logger.Info("accepting file offer", "filename", base, logging.KeyBytes, offer.Filesize)

	staged, err := newStagedFile(finalPath)
	if err != nil {
		return nil, err
	}
	defer staged.Discard()

	digest, err := runPipeline(ctx, mb, t, conn, staged, offer.Filesize, opts, m)
	if err != nil {
		return nil, err
	}
	if err := staged.Commit(); err != nil {
		return nil, err
	}

	logger.Info("file received", "filename", base, logging.KeyBytes, offer.Filesize, "sha256", digest)
	return &Summary{Kind: "file", Name: base, Bytes: offer.Filesize, Digest: digest}, nil
}

// receiveDirectory pulls a zipped directory offer, verifies it, then
// extracts it under destDir restoring file modes.
func receiveDirectory(ctx context.Context, mb wormhole.Connection, t *transit.Transit, conn io.ReadWriter, destDir string, offer *wire.DirectoryOffer, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Summary, error) {
	if offer.Mode != wire.DirectoryMode {
		return nil, fmt.Errorf("%w: directory mode %q", wire.ErrSchema, offer.Mode)
	}
	base, err := safeBasename(offer.Dirname)
	if err != nil {
		return nil, err
	}
	logger.Info("accepting directory offer",
		"dirname", base, "files", offer.Numfiles, logging.KeyBytes, offer.Numbytes)

	// The archive is staged in the system temp directory; only the
	// extracted tree lands in the destination.
	archive, err := os.CreateTemp("", "wormhole-recv-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create staging archive: %w", err)
	}
	defer os.Remove(archive.Name())

	digest, err := runPipeline(ctx, mb, t, conn, archive, offer.Zipsize, opts, m)
	if closeErr := archive.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}

	if err := opts.archiver().UnzipInto(filepath.Join(destDir, base), archive.Name()); err != nil {
		return nil, err
	}

	logger.Info("directory received", "dirname", base, "files", offer.Numfiles, "sha256", digest)
	return &Summary{Kind: "directory", Name: base, Bytes: offer.Zipsize, Digest: digest}, nil
}
