package vsmtp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// I/O adapter errors.
var (
	// ErrLineTooLong indicates a line exceeded the configured maximum
	// before CRLF was seen.
	ErrLineTooLong = errors.New("line too long")

	// ErrInactivity indicates the peer sent nothing within the read
	// timeout.
	ErrInactivity = errors.New("inactivity timeout")

	// ErrPipelinedTLS indicates plaintext bytes were already buffered when
	// the STARTTLS upgrade began. The upgrade is refused.
	ErrPipelinedTLS = errors.New("pipelined plaintext across STARTTLS")
)

// Stream is the duplex byte pipe the adapter wraps. net.Conn and tls.Conn
// both satisfy it, as does net.Pipe in tests.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// IO is the byte I/O adapter of one connection: buffered CRLF line reads
// with an inactivity timeout and a line-length cap, and write-through
// flushes. The adapter survives a TLS upgrade; Replace swaps the underlying
// stream for the encrypted one.
type IO struct {
	stream  Stream
	r       *bufio.Reader
	w       *bufio.Writer
	maxLine int
}

// NewIO wraps stream. maxLine caps any single line, CRLF included.
func NewIO(stream Stream, maxLine int) *IO {
	return &IO{
		stream:  stream,
		r:       bufio.NewReaderSize(stream, maxLine),
		w:       bufio.NewWriter(stream),
		maxLine: maxLine,
	}
}

// ReadLine reads one line, strips the terminator, and returns the payload.
// CRLF is the frame; a bare LF is tolerated on input. A line longer than
// the cap fails with ErrLineTooLong after the remainder up to the next
// terminator has been discarded, so the next read starts on a line
// boundary. A read deadline miss fails with ErrInactivity.
func (o *IO) ReadLine(timeout time.Duration) ([]byte, error) {
	if err := o.stream.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	line, err := o.r.ReadSlice('\n')
	switch {
	case err == nil:
		return trimLineEnding(line), nil
	case errors.Is(err, bufio.ErrBufferFull):
		if discardErr := o.discardToLineEnd(); discardErr != nil {
			return nil, classifyReadError(discardErr)
		}
		return nil, ErrLineTooLong
	default:
		return nil, classifyReadError(err)
	}
}

// discardToLineEnd consumes buffered bytes until the next LF so an
// over-long line does not poison the following command.
func (o *IO) discardToLineEnd() error {
	for {
		_, err := o.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

// Write sends b and flushes it to the peer.
func (o *IO) Write(b []byte) error {
	if err := o.stream.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	if _, err := o.w.Write(b); err != nil {
		return err
	}
	return o.w.Flush()
}

// Buffered reports how many read bytes sit in the plaintext buffer. A
// non-zero value at STARTTLS time means the client pipelined across the
// upgrade.
func (o *IO) Buffered() int {
	return o.r.Buffered()
}

// Replace swaps the underlying stream, discarding buffer state. Used once,
// when STARTTLS installs the encrypted pipe. Callers must check Buffered
// first; replacing with plaintext still queued would silently drop bytes
// the peer believes were delivered.
func (o *IO) Replace(stream Stream) {
	o.stream = stream
	o.r = bufio.NewReaderSize(stream, o.maxLine)
	o.w = bufio.NewWriter(stream)
}

// Stream returns the wrapped stream, needed to hand the raw connection to
// the TLS layer.
func (o *IO) Stream() Stream { return o.stream }

// Close closes the underlying stream.
func (o *IO) Close() error { return o.stream.Close() }

// trimLineEnding removes CRLF or a bare LF.
func trimLineEnding(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// classifyReadError maps deadline misses to ErrInactivity and passes
// terminal socket errors through.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrInactivity
	}
	return err
}
