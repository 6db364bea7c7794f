package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// maxLineSize bounds a single IPC line. Launch configurations and stack
// traces can be large, so this is generous.
const maxLineSize = 16 * 1024 * 1024

// Encoder writes one JSON object per line. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{w: bw, enc: json.NewEncoder(bw)}
}

// Encode writes v followed by a newline and flushes.
func (e *Encoder) Encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(v); err != nil {
		return err
	}
	return e.w.Flush()
}

// Send writes a worker to parent message.
func (e *Encoder) Send(msg Message) error {
	return e.Encode(msg)
}

// Decoder reads newline-delimited JSON documents.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{sc: sc}
}

// Next returns the next non-empty line. It returns io.EOF when the stream ends.
func (d *Decoder) Next() ([]byte, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
