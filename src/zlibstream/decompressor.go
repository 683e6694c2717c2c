// Package zlibstream inflates a zlib stream that is delivered as a sequence
// of sync-flushed messages, each possibly split across several frames.
package zlibstream

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
)

// Suffix terminates every complete message: the empty stored block written
// by a zlib sync flush.
var Suffix = []byte{0x00, 0x00, 0xff, 0xff}

// ErrCorrupt is returned when a complete message cannot be inflated.
var ErrCorrupt = errors.New("zlibstream: corrupt stream")

const (
	windowSize = 1 << 15
	// A single Read from flate never yields more than one window.
	scratchSize = 2 * windowSize
)

// Decompressor is not safe for concurrent use.
type Decompressor struct {
	buf []byte

	src      bytes.Buffer
	inflater io.ReadCloser
	history  []byte
	scratch  []byte

	// set by ResetBuffer: the next message may open a new stream.
	maybeNewStream bool
}

func New() *Decompressor {
	return &Decompressor{scratch: make([]byte, scratchSize)}
}

// Push appends chunk to the pending message. complete is false until the
// accumulated bytes end with Suffix; then the whole message is inflated and
// the buffer cleared.
func (d *Decompressor) Push(chunk []byte) (out []byte, complete bool, err error) {
	d.buf = append(d.buf, chunk...)
	if len(d.buf) < len(Suffix) || !bytes.HasSuffix(d.buf, Suffix) {
		return nil, false, nil
	}

	msg := d.buf
	d.buf = nil

	out, err = d.inflate(msg)
	return out, true, err
}

// Buffered returns the number of bytes waiting for a message terminator.
func (d *Decompressor) Buffered() int {
	return len(d.buf)
}

// ResetBuffer drops any partial message but keeps the inflate stream.
func (d *Decompressor) ResetBuffer() {
	d.buf = nil
	d.maybeNewStream = d.inflater != nil
}

// Reset drops the partial message and the inflate stream.
func (d *Decompressor) Reset() {
	d.buf = nil
	d.maybeNewStream = false
	d.closeStream()
}

func (d *Decompressor) closeStream() {
	if d.inflater != nil {
		_ = d.inflater.Close()
	}
	d.inflater = nil
	d.history = d.history[:0]
	d.src.Reset()
}

func (d *Decompressor) inflate(msg []byte) ([]byte, error) {
	if d.maybeNewStream && hasZlibHeader(msg) {
		d.closeStream()
	}
	d.maybeNewStream = false

	if d.inflater == nil {
		if len(msg) < 2 || !hasZlibHeader(msg) {
			return nil, fmt.Errorf("%w: missing zlib header", ErrCorrupt)
		}
		msg = msg[2:]
		d.src.Reset()
		d.inflater = flate.NewReader(&d.src)
	}

	d.src.Write(msg)

	var out []byte
	for d.src.Len() > 0 {
		n, err := d.inflater.Read(d.scratch)
		out = append(out, d.scratch[:n]...)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.ErrUnexpectedEOF) && d.src.Len() == 0:
			// The message ended on a window boundary: flate flushed an
			// empty window and went looking for the next block. The stream
			// is intact, so continue it from the saved history.
			d.remember(out)
			if rerr := d.inflater.(flate.Resetter).Reset(&d.src, d.history); rerr != nil {
				d.closeStream()
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, rerr)
			}
			return out, nil
		case errors.Is(err, io.EOF):
			// Final block: the server ended the stream.
			d.closeStream()
			return out, nil
		default:
			d.src.Reset()
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	d.remember(out)
	return out, nil
}

// remember keeps the last window of output as the dictionary for a re-seat.
func (d *Decompressor) remember(out []byte) {
	d.history = append(d.history, out...)
	if over := len(d.history) - windowSize; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
}

// hasZlibHeader checks the RFC 1950 CMF/FLG pair: deflate, 32K window or
// smaller, no preset dictionary, valid check bits.
func hasZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	cmf, flg := b[0], b[1]
	if cmf&0x0f != 8 || cmf>>4 > 7 {
		return false
	}
	if flg&0x20 != 0 {
		return false
	}
	return (uint16(cmf)<<8|uint16(flg))%31 == 0
}
