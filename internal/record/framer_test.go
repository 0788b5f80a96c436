package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// frame builds the wire form of one record.
func frame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

// chunkedReader delivers the underlying bytes in fixed-size chunks to
// exercise records straddling read boundaries.
type chunkedReader struct {
	data  []byte
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReaderRechunking(t *testing.T) {
	records := [][]byte{
		[]byte("first"),
		{},
		[]byte("a considerably longer second record payload"),
		{0x00, 0x01, 0x02},
	}

	var stream bytes.Buffer
	for _, rec := range records {
		stream.Write(frame(rec))
	}

	// Every chunk size must reproduce the exact record sequence.
	for chunk := 1; chunk <= stream.Len()+1; chunk++ {
		r := NewReader(&chunkedReader{data: append([]byte(nil), stream.Bytes()...), chunk: chunk})

		for i, want := range records {
			got, err := r.Next()
			if err != nil {
				t.Fatalf("chunk=%d record=%d: Next() error = %v", chunk, i, err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("chunk=%d record=%d: got %q, want %q", chunk, i, got, want)
			}
		}

		if _, err := r.Next(); err != io.EOF {
			t.Fatalf("chunk=%d: expected io.EOF after last record, got %v", chunk, err)
		}
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	payloads := [][]byte{[]byte("one"), []byte("two"), bytes.Repeat([]byte{0xAA}, 5000)}
	for _, p := range payloads {
		if err := w.Write(p); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range payloads {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("record %d: Next() error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestReaderTruncatedHeader(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x00, 0x00}))
	if _, err := r.Next(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("Next() error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReaderTruncatedPayload(t *testing.T) {
	data := frame([]byte("complete"))
	r := NewReader(bytes.NewReader(data[:len(data)-3]))
	if _, err := r.Next(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("Next() error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReaderOversizeLength(t *testing.T) {
	var header [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], DefaultMaxRecordSize+1)

	r := NewReader(bytes.NewReader(header[:]))
	if _, err := r.Next(); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Next() error = %v, want ErrRecordTooLarge", err)
	}
}

func TestWriterOversizeRecord(t *testing.T) {
	w := NewWriterSize(io.Discard, 8)
	if err := w.Write(make([]byte, 9)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Write() error = %v, want ErrRecordTooLarge", err)
	}
}
