// Package transport provides the byte-oriented link to a Q-Series
// instrument: a real serial backend and an in-process simulator that
// implement the same interface. Neither backend interprets payload
// semantics — that is the wire package's job.
package transport

import "time"

// DefaultReadLineTimeout is the fixed default timeout for Transport.ReadLine,
// an observed property of the device's line cadence, not a tunable.
const DefaultReadLineTimeout = 500 * time.Millisecond

// Transport is the byte-oriented full-duplex link the controller drives.
// Implementations strip line terminators (CR, LF, or CRLF) before returning
// a line; ReadLine returns ("", false, nil) on timeout rather than an error.
type Transport interface {
	// Close releases the underlying link. Idempotent.
	Close() error
	// IsOpen reports whether the link is currently open.
	IsOpen() bool
	// Write sends raw bytes with no buffering across calls.
	Write(data []byte) (int, error)
	// ReadLine blocks up to timeout for one terminator-delimited line.
	// Returns ok=false on timeout (not an error).
	ReadLine(timeout time.Duration) (line string, ok bool, err error)
	// FlushInput discards all currently-buffered inbound bytes.
	FlushInput() error
}
