package record

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/postalsys/wormhole-transit/internal/crypto"
	"github.com/postalsys/wormhole-transit/internal/logging"
)

// ChunkSize is the plaintext chunk size for file records.
const ChunkSize = 4096

var (
	// ErrDigestMismatch is returned when the final ack's sha256 disagrees
	// with the locally computed digest.
	ErrDigestMismatch = errors.New("transfer digest mismatch")

	// ErrInvalidAck is returned when the final record is not a well-formed
	// "ok" acknowledgement.
	ErrInvalidAck = errors.New("invalid transfer ack")

	// ErrNonceOutOfOrder is returned when an incoming record's nonce is not
	// the next expected counter value.
	ErrNonceOutOfOrder = errors.New("record nonce out of order")
)

// Ack is the final integrity acknowledgement, sent by the receiver as a
// single encrypted record at nonce 0 after the last file byte.
type Ack struct {
	Ack    string `json:"ack"`
	SHA256 string `json:"sha256"`
}

// Sender streams plaintext from a source through an elected endpoint as
// encrypted records, then verifies the receiver's final ack.
type Sender struct {
	w       *Writer
	r       *Reader
	keys    *crypto.TransitKeys
	limiter *rate.Limiter
	logger  *slog.Logger

	// OnProgress, when set, is invoked after each chunk with the running
	// plaintext byte count.
	OnProgress func(sent int64)
}

// NewSender creates a Sender over a duplex stream. The limiter may be nil
// for an unthrottled transfer.
func NewSender(conn io.ReadWriter, keys *crypto.TransitKeys, limiter *rate.Limiter, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Sender{
		w:       NewWriter(conn),
		r:       NewReader(conn),
		keys:    keys,
		limiter: limiter,
		logger:  logger,
	}
}

// Send reads src to EOF in 4096-byte chunks, encrypts each chunk under the
// sender record key with an incrementing nonce, and emits one framed record
// per chunk. It then waits for the receiver's encrypted ack and verifies
// the digest. Returns the plaintext byte count and the hex digest.
func (s *Sender) Send(ctx context.Context, src io.Reader) (int64, string, error) {
	var (
		nonce  crypto.Nonce
		hasher = sha256.New()
		buf    = make([]byte, ChunkSize)
		sent   int64
	)

	for {
		if err := ctx.Err(); err != nil {
			return sent, "", err
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			chunk := buf[:n]
			if s.limiter != nil {
				if err := s.limiter.WaitN(ctx, n); err != nil {
					return sent, "", err
				}
			}
			hasher.Write(chunk)

			sealed, err := crypto.Encrypt(s.keys.SenderRecord, nonce, chunk)
			if err != nil {
				return sent, "", err
			}
			if err := s.w.Write(sealed); err != nil {
				return sent, "", fmt.Errorf("write record: %w", err)
			}
			nonce.Nudge()
			sent += int64(n)
			if s.OnProgress != nil {
				s.OnProgress(sent)
			}
		}

		if readErr == io.EOF || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return sent, "", fmt.Errorf("read source: %w", readErr)
		}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	s.logger.Debug("file records sent", logging.KeyBytes, sent)

	if err := s.awaitAck(digest); err != nil {
		return sent, digest, err
	}
	return sent, digest, nil
}

// awaitAck reads the receiver's single encrypted ack record, decrypts it
// with the receiver record key, and checks the digest.
func (s *Sender) awaitAck(wantDigest string) error {
	sealed, err := s.r.Next()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: connection closed before ack", ErrUnexpectedEOF)
		}
		return fmt.Errorf("read ack: %w", err)
	}

	plaintext, nonce, err := crypto.Decrypt(s.keys.ReceiverRecord, sealed)
	if err != nil {
		return err
	}
	if nonce != (crypto.Nonce{}) {
		return fmt.Errorf("%w: ack nonce %x", ErrNonceOutOfOrder, nonce)
	}

	var ack Ack
	if err := json.Unmarshal(plaintext, &ack); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAck, err)
	}
	if ack.Ack != "ok" {
		return fmt.Errorf("%w: ack=%q", ErrInvalidAck, ack.Ack)
	}
	if ack.SHA256 != wantDigest {
		return fmt.Errorf("%w: peer reported %s, local %s", ErrDigestMismatch, ack.SHA256, wantDigest)
	}
	return nil
}

// Receiver consumes encrypted records from an elected endpoint, writes the
// plaintext to a sink, and answers with the final encrypted ack.
type Receiver struct {
	w      *Writer
	r      *Reader
	keys   *crypto.TransitKeys
	logger *slog.Logger

	// OnProgress, when set, is invoked after each record with the running
	// plaintext byte count.
	OnProgress func(received int64)
}

// NewReceiver creates a Receiver over a duplex stream.
func NewReceiver(conn io.ReadWriter, keys *crypto.TransitKeys, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Receiver{
		w:      NewWriter(conn),
		r:      NewReader(conn),
		keys:   keys,
		logger: logger,
	}
}

// Receive reads records until size plaintext bytes have been written to dst,
// verifying that record nonces arrive in strict counter order, then sends
// the final ack carrying the plaintext digest. Returns the hex digest.
func (r *Receiver) Receive(ctx context.Context, dst io.Writer, size int64) (string, error) {
	var (
		expected  crypto.Nonce
		hasher    = sha256.New()
		remaining = size
		received  int64
	)

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		sealed, err := r.r.Next()
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%w: connection closed mid-transfer", ErrUnexpectedEOF)
			}
			return "", err
		}

		plaintext, nonce, err := crypto.Decrypt(r.keys.SenderRecord, sealed)
		if err != nil {
			return "", err
		}
		if nonce != expected {
			return "", fmt.Errorf("%w: got %x", ErrNonceOutOfOrder, nonce)
		}
		expected.Nudge()

		hasher.Write(plaintext)
		if _, err := dst.Write(plaintext); err != nil {
			return "", fmt.Errorf("write sink: %w", err)
		}
		remaining -= int64(len(plaintext))
		received += int64(len(plaintext))
		if r.OnProgress != nil {
			r.OnProgress(received)
		}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	r.logger.Debug("file records received", logging.KeyBytes, received)

	if err := r.sendAck(digest); err != nil {
		return digest, err
	}
	return digest, nil
}

// sendAck emits the final ack as one encrypted record at nonce 0 under the
// receiver record key.
func (r *Receiver) sendAck(digest string) error {
	payload, err := json.Marshal(Ack{Ack: "ok", SHA256: digest})
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(r.keys.ReceiverRecord, crypto.Nonce{}, payload)
	if err != nil {
		return err
	}
	if err := r.w.Write(sealed); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}
