// Package record implements the Transit record layer: length-prefixed
// framing over a byte stream and the encrypted record pipeline that streams
// a file through an elected endpoint.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthPrefixSize is the size of the frame length header in bytes.
	LengthPrefixSize = 4

	// DefaultMaxRecordSize bounds a single framed record (1 MiB). A peer
	// announcing a larger length field is treated as hostile.
	DefaultMaxRecordSize = 1 << 20
)

var (
	// ErrRecordTooLarge is returned when a length header exceeds the
	// configured maximum record size.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")

	// ErrUnexpectedEOF is returned when the stream ends mid-header or
	// mid-payload.
	ErrUnexpectedEOF = errors.New("stream ended mid-record")
)

// Reader reassembles length-prefixed records from a byte stream that may
// deliver arbitrary chunk sizes.
type Reader struct {
	r      io.Reader
	max    int
	header [LengthPrefixSize]byte
}

// NewReader creates a Reader with the default maximum record size.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxRecordSize)
}

// NewReaderSize creates a Reader with a custom maximum record size.
func NewReaderSize(r io.Reader, max int) *Reader {
	return &Reader{r: r, max: max}
}

// Next reads the next record and returns its payload with the length header
// stripped. A clean end of stream between records returns io.EOF; a stream
// that ends inside a record returns ErrUnexpectedEOF.
func (r *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrUnexpectedEOF)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(r.header[:])
	if int64(length) > int64(r.max) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, length, r.max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload", ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}

// Writer emits length-prefixed records to a byte stream.
type Writer struct {
	w   io.Writer
	max int
}

// NewWriter creates a Writer with the default maximum record size.
func NewWriter(w io.Writer) *Writer {
	return NewWriterSize(w, DefaultMaxRecordSize)
}

// NewWriterSize creates a Writer with a custom maximum record size.
func NewWriterSize(w io.Writer, max int) *Writer {
	return &Writer{w: w, max: max}
}

// Write emits one record as BE32(len(record)) || record. The header and
// payload are written in a single Write call so a record never straddles
// two syscalls unnecessarily.
func (w *Writer) Write(payload []byte) error {
	if len(payload) > w.max {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrRecordTooLarge, len(payload), w.max)
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	_, err := w.w.Write(buf)
	return err
}
