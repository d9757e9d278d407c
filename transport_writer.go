package xymodem

import (
	"bufio"
	"io"
)

const transportWriterBufSize = 4096

// flushingWriter buffers writes to the underlying transport and flushes
// after every call, adapted from the teacher's transportWriter (which
// buffered ZDLE-escaped output the same way). XMODEM/YMODEM frames are never
// escaped, so only the buffering and flush-on-every-write discipline
// survives: a block is always one Write() call from the engine's
// perspective, and real serial transports benefit from that arriving as one
// write syscall rather than three (header, payload, checksum) if a caller
// builds the engine directly on an unbuffered transport.
type flushingWriter struct {
	w *bufio.Writer
}

// newFlushingWriter wraps w. If w is already a *bufio.Writer-compatible
// buffered transport, wrapping again is harmless (just one extra copy).
func newFlushingWriter(w io.Writer) *flushingWriter {
	return &flushingWriter{w: bufio.NewWriterSize(w, transportWriterBufSize)}
}

func (fw *flushingWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, fw.w.Flush()
}
