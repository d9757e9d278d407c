package xymodem

import (
	"io"
	"sync"
	"time"
)

// pollInterval is the 10ms polling granularity named for bounded reads.
// TimeoutReader does not poll: fill waits on the pump channel and a timer
// together, so a read returns as soon as data arrives or the full timeout
// elapses, and this constant is not consulted.
const pollInterval = 10 * time.Millisecond

// TimeoutReader wraps a byte source so that every read is bounded by a
// millisecond deadline and can be unblocked by an external Cancel call. It is
// single-consumer: concurrent calls to ReadByte/ReadInto are not supported.
//
// Internally a background pump goroutine performs the (possibly indefinitely
// blocking) reads against the underlying source and feeds completed chunks
// through a channel. This lets ReadByte/ReadInto give up on a pending read
// without losing the bytes the pump eventually receives: they are queued for
// the next call instead.
type TimeoutReader struct {
	r io.Reader

	mu      sync.Mutex
	timeout time.Duration

	chunks  chan []byte
	pumpErr chan error
	cancel  chan struct{}
	closeOnce sync.Once

	leftover []byte
	pumpDone bool
	lastErr  error
}

// NewTimeoutReader wraps r. The initial timeout is 0 (block indefinitely)
// until SetTimeout is called.
func NewTimeoutReader(r io.Reader) *TimeoutReader {
	tr := &TimeoutReader{
		r:       r,
		chunks:  make(chan []byte, 64),
		pumpErr: make(chan error, 1),
		cancel:  make(chan struct{}),
	}
	go tr.pump()
	return tr
}

// pump performs blocking reads against the underlying source and forwards
// completed chunks. It runs for the lifetime of the TimeoutReader.
func (tr *TimeoutReader) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := tr.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case tr.chunks <- chunk:
			case <-tr.cancel:
				return
			}
		}
		if err != nil {
			tr.pumpErr <- err
			return
		}
	}
}

// SetTimeout sets the per-read deadline in milliseconds. 0 means block
// indefinitely.
func (tr *TimeoutReader) SetTimeout(ms int) {
	tr.mu.Lock()
	tr.timeout = time.Duration(ms) * time.Millisecond
	tr.mu.Unlock()
}

func (tr *TimeoutReader) getTimeout() time.Duration {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.timeout
}

// Cancel unblocks any pending read with ErrCancelled. Safe to call from
// another goroutine; safe to call more than once.
func (tr *TimeoutReader) Cancel() {
	tr.closeOnce.Do(func() { close(tr.cancel) })
}

// fill blocks (bounded by the configured timeout) until at least one byte of
// leftover data is available, the pump reports an error, or cancellation is
// observed. It does not consume from leftover.
func (tr *TimeoutReader) fill() error {
	if len(tr.leftover) > 0 {
		return nil
	}
	if tr.pumpDone {
		return tr.lastErr
	}

	timeout := tr.getTimeout()
	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case chunk := <-tr.chunks:
		tr.leftover = chunk
		return nil
	case err := <-tr.pumpErr:
		tr.pumpDone = true
		tr.lastErr = err
		return err
	case <-tr.cancel:
		return ErrCancelled
	case <-timerCh:
		return ErrTimeout
	}
}

// ReadByte returns the next byte from the source, bounded by the current
// timeout.
func (tr *TimeoutReader) ReadByte() (byte, error) {
	if err := tr.fill(); err != nil {
		return 0, err
	}
	b := tr.leftover[0]
	tr.leftover = tr.leftover[1:]
	return b, nil
}

// ReadInto reads up to len(buf) bytes, returning as soon as at least one
// byte is available (like io.Reader.Read), bounded by the current timeout.
func (tr *TimeoutReader) ReadInto(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := tr.fill(); err != nil {
		return 0, err
	}
	n := copy(buf, tr.leftover)
	tr.leftover = tr.leftover[n:]
	return n, nil
}

// ReadFull reads exactly len(buf) bytes, bounded independently by the
// current timeout per underlying read attempt (so a slow but not-stalled
// source does not need one huge deadline for the whole buffer).
func (tr *TimeoutReader) ReadFull(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := tr.ReadInto(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
