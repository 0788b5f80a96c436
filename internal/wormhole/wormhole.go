// Package wormhole defines the out-of-band encrypted channel Transit
// negotiates over. The real Magic Wormhole client performs a PAKE against a
// rendezvous server to establish it; this package only consumes the result:
// a plaintext-message channel plus the shared session key.
package wormhole

import (
	"io"
	"net"
	"sync"

	"github.com/postalsys/wormhole-transit/internal/record"
)

// KeySize is the size of the shared session key in bytes.
const KeySize = 32

// Connection is the encrypted mailbox channel between the two parties.
// Messages are whole plaintext payloads; the underlying encryption is the
// mailbox layer's concern.
type Connection interface {
	// SendPlain transmits one message to the peer.
	SendPlain(msg []byte) error

	// ReceivePlain blocks until the next message from the peer arrives.
	ReceivePlain() ([]byte, error)

	// SharedKey returns the session key both sides derived.
	SharedKey() [KeySize]byte

	// Close tears the channel down.
	Close() error
}

// Conn implements Connection over any duplex byte stream by framing each
// message with the same 4-byte big-endian length prefix records use. The
// session key is supplied out of band.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *record.Reader
	w   *record.Writer
	key [KeySize]byte

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// New wraps a duplex stream as a mailbox connection with the given session
// key.
func New(rwc io.ReadWriteCloser, key [KeySize]byte) *Conn {
	return &Conn{
		rwc: rwc,
		r:   record.NewReader(rwc),
		w:   record.NewWriter(rwc),
		key: key,
	}
}

// SendPlain transmits one framed message.
func (c *Conn) SendPlain(msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.w.Write(msg)
}

// ReceivePlain reads the next framed message.
func (c *Conn) ReceivePlain() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.r.Next()
}

// SharedKey returns the session key.
func (c *Conn) SharedKey() [KeySize]byte {
	return c.key
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

// Pair returns two in-process connections wired back to back with the same
// session key. Used by tests and loopback transfers.
func Pair(key [KeySize]byte) (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(a, key), New(b, key)
}
