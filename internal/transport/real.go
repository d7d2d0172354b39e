package transport

import (
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/Matthue7/q-sensor-engine/internal/model"
)

// Real is the hardware serial backend, a thin line-buffering wrapper around
// go.bug.st/serial. It owns the port handle exclusively; callers must not
// touch the port from more than one goroutine without going through this
// type's methods, which are themselves safe for concurrent use.
type Real struct {
	mu       sync.Mutex
	portPath string
	baud     int
	port     serial.Port
	pending  []byte // bytes already read but not yet consumed as a full line
}

// Open opens portPath at baud with 8N1 framing, the only framing this
// instrument family uses.
func Open(portPath string, baud int) (*Real, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, &model.PortUnavailableError{Port: portPath, Err: err}
	}
	return &Real{portPath: portPath, baud: baud, port: port}, nil
}

func (r *Real) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port != nil
}

func (r *Real) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return nil
	}
	err := r.port.Close()
	r.port = nil
	return err
}

func (r *Real) Write(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return 0, &model.SerialIoError{Op: "write", Err: errClosed}
	}
	n, err := r.port.Write(data)
	if err != nil {
		return n, &model.SerialIoError{Op: "write", Err: err}
	}
	return n, nil
}

func (r *Real) FlushInput() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	if r.port == nil {
		return &model.SerialIoError{Op: "flush_input", Err: errClosed}
	}
	if err := r.port.ResetInputBuffer(); err != nil {
		return &model.SerialIoError{Op: "flush_input", Err: err}
	}
	return nil
}

// ReadLine accepts CR, LF, or CRLF as an input terminator and strips it
// before returning. Returns ok=false on timeout without an error.
func (r *Real) ReadLine(timeout time.Duration) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return "", false, &model.SerialIoError{Op: "read_line", Err: errClosed}
	}

	deadline := time.Now().Add(timeout)
	for {
		if idx := indexTerminator(r.pending); idx >= 0 {
			line := string(r.pending[:idx])
			rest := r.pending[idx+1:]
			if r.pending[idx] == '\r' && len(rest) > 0 && rest[0] == '\n' {
				rest = rest[1:]
			}
			r.pending = append([]byte(nil), rest...)
			return line, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		if err := r.port.SetReadTimeout(remaining); err != nil {
			return "", false, &model.SerialIoError{Op: "read_line", Err: err}
		}
		buf := make([]byte, 256)
		n, err := r.port.Read(buf)
		if err != nil {
			return "", false, &model.SerialIoError{Op: "read_line", Err: err}
		}
		if n == 0 {
			return "", false, nil
		}
		r.pending = append(r.pending, buf[:n]...)
	}
}

func indexTerminator(b []byte) int {
	for i, c := range b {
		if c == '\r' || c == '\n' {
			return i
		}
	}
	return -1
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "port closed" }
