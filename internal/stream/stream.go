// Package stream normalizes heterogeneous byte-stream handles into a single
// line-oriented read/write contract.
//
// Process streams arrive in different shapes depending on the platform
// backend: a push-style channel of chunks, an explicit read-one-line
// primitive, a plain io.Reader, or no stream at all. Callers should never
// have to branch on which shape they got, so the adapter is selected once at
// construction and everything behind it speaks ReadLine/WriteLine.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
)

// ErrClosed is returned by ReadLine after Close has been called.
var ErrClosed = errors.New("stream: reader closed")

// Liner is the explicit read-one-line primitive some backends expose.
type Liner interface {
	ReadLine() ([]byte, error)
}

// Flusher is implemented by buffered writers that need an explicit flush.
type Flusher interface {
	Flush() error
}

type line struct {
	text string
	err  error
}

// LineReader reads newline-delimited text from an opaque stream handle.
//
// Reads are cancellable: ReadLine returns as soon as the context expires,
// leaving the underlying read in flight. A line that arrives after a
// cancelled read is handed to the next ReadLine call rather than dropped.
type LineReader struct {
	lines chan line
	done  chan struct{}
}

// NewLineReader builds a reader for one of the four supported handle shapes:
//
//   - <-chan []byte: push-style chunk channel; chunks are reassembled into lines
//   - Liner: the handle's own read-one-line primitive is used directly
//   - io.Reader: wrapped in a bufio.Reader
//   - nil: every read reports io.EOF immediately instead of blocking
//
// Any other shape also reads as EOF; a handle we cannot read from behaves
// like an absent stream.
func NewLineReader(handle any) *LineReader {
	r := &LineReader{
		lines: make(chan line),
		done:  make(chan struct{}),
	}

	switch h := handle.(type) {
	case nil:
		close(r.lines)
	case <-chan []byte:
		go r.pumpChunks(h)
	case chan []byte:
		go r.pumpChunks(h)
	case Liner:
		go r.pumpLiner(h)
	case io.Reader:
		go r.pumpReader(bufio.NewReader(h))
	default:
		close(r.lines)
	}

	return r
}

// ReadLine returns the next line with the trailing newline stripped. It
// blocks until a line arrives, the stream ends (io.EOF), the context
// expires, or the reader is closed.
func (r *LineReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case l, ok := <-r.lines:
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", ErrClosed
	}
}

// Close releases waiting readers. The pump goroutine exits on its next
// delivery attempt; a pump blocked inside the underlying read unblocks when
// the owning process is killed and its streams collapse.
func (r *LineReader) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *LineReader) deliver(l line) bool {
	select {
	case r.lines <- l:
		return true
	case <-r.done:
		return false
	}
}

// pumpChunks reassembles a chunk channel into lines. The channel closing
// flushes any unterminated remainder as a final line before EOF.
func (r *LineReader) pumpChunks(ch <-chan []byte) {
	var buf bytes.Buffer
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 {
					if !r.deliver(line{text: decode(buf.Bytes())}) {
						return
					}
				}
				r.deliver(line{err: io.EOF})
				return
			}
			buf.Write(chunk)
			for {
				i := bytes.IndexByte(buf.Bytes(), '\n')
				if i < 0 {
					break
				}
				text := decode(buf.Next(i + 1))
				if !r.deliver(line{text: text}) {
					return
				}
			}
		case <-r.done:
			return
		}
	}
}

func (r *LineReader) pumpLiner(l Liner) {
	for {
		raw, err := l.ReadLine()
		if len(raw) > 0 {
			if !r.deliver(line{text: decode(raw)}) {
				return
			}
		}
		if err != nil {
			r.deliver(line{err: err})
			return
		}
	}
}

func (r *LineReader) pumpReader(br *bufio.Reader) {
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			if !r.deliver(line{text: decode(raw)}) {
				return
			}
		}
		if err != nil {
			r.deliver(line{err: err})
			return
		}
	}
}

// decode strips the line terminator and drops undecodable bytes. Partial
// output with holes beats no output: diagnostics from a crashing process are
// worth more than strict UTF-8.
func decode(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "")
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// LineWriter writes newline-terminated records to an opaque stream handle.
type LineWriter struct {
	w io.Writer
}

// NewLineWriter accepts an io.Writer or nil. Writes against an absent stream
// fail with io.ErrClosedPipe.
func NewLineWriter(handle any) *LineWriter {
	w, _ := handle.(io.Writer)
	return &LineWriter{w: w}
}

// WriteLine writes p followed by a newline and flushes when the handle
// supports it.
func (lw *LineWriter) WriteLine(p []byte) error {
	if lw.w == nil {
		return io.ErrClosedPipe
	}
	if _, err := lw.w.Write(append(p, '\n')); err != nil {
		return err
	}
	if f, ok := lw.w.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
