package xymodem

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

// chanReader/chanWriter give each direction of a loopback pair its own
// channel-backed pipe so a sender and receiver goroutine can write before
// either side reads, without the lockstep blocking of io.Pipe.
type chanReader struct {
	ch  chan []byte
	buf []byte
}

func (cr *chanReader) Read(p []byte) (int, error) {
	if len(cr.buf) > 0 {
		n := copy(p, cr.buf)
		cr.buf = cr.buf[n:]
		return n, nil
	}
	data, ok := <-cr.ch
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, data)
	if n < len(data) {
		cr.buf = data[n:]
	}
	return n, nil
}

type chanWriter struct{ ch chan []byte }

func (cw *chanWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	cw.ch <- buf
	return len(p), nil
}

func bufferedPipe(bufSize int) (*chanReader, *chanWriter) {
	ch := make(chan []byte, bufSize)
	return &chanReader{ch: ch}, &chanWriter{ch: ch}
}

// loopbackPair returns two independent full-duplex ends of a loopback link.
func loopbackPair() (io.ReadWriter, io.ReadWriter) {
	r1, w1 := bufferedPipe(64)
	r2, w2 := bufferedPipe(64)
	return struct {
			io.Reader
			io.Writer
		}{r1, w2},
		struct {
			io.Reader
			io.Writer
		}{r2, w1}
}

func fastCfg(flavor Flavor) Config {
	return Config{Flavor: flavor, TimeoutMs: 300, MaxConsecutiveErrors: 10}
}

func runLoopback(t *testing.T, flavor Flavor, payload []byte) []byte {
	t.Helper()
	recvEnd, sendEnd := loopbackPair()

	recv := NewXmodemEngine(recvEnd, recvEnd, fastCfg(flavor), nil, nil)
	send := NewXmodemEngine(sendEnd, sendEnd, fastCfg(flavor), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	recvErr := make(chan error, 1)
	go func() {
		_, err := recv.Receive(ctx, &out, int64(len(payload)))
		recvErr <- err
	}()

	sendErr := make(chan error, 1)
	go func() {
		_, err := send.Send(ctx, bytes.NewReader(payload), int64(len(payload)))
		sendErr <- err
	}()

	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return out.Bytes()
}

func TestXmodemVanillaRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("abcde"), 1) // 5 bytes, well under one block
	got := runLoopback(t, Vanilla, payload)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func Test1KGRoundTripLargeFile(t *testing.T) {
	payload := make([]byte, 10*1024+37)
	for i := range payload {
		payload[i] = byte(i)
	}
	got := runLoopback(t, X1KG, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("1K/G round trip mismatch")
	}
}

func TestXmodemCRCRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("crc-flavor-payload "), 20)
	got := runLoopback(t, CRCFlavor, payload)
	if !bytes.Equal(got, payload) {
		t.Fatal("CRC round trip mismatch")
	}
}

func TestXmodemZeroLengthFile(t *testing.T) {
	got := runLoopback(t, Vanilla, nil)
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestXmodemCancelByController(t *testing.T) {
	recvEnd, sendEnd := loopbackPair()
	session := NewSessionState("XMODEM", "")
	recv := NewXmodemEngine(recvEnd, recvEnd, fastCfg(X1K), session, nil)
	send := NewXmodemEngine(sendEnd, sendEnd, fastCfg(X1K), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := make([]byte, 16*1024*1024) // large enough that cancel lands mid-transfer
	var out bytes.Buffer

	recvErr := make(chan error, 1)
	go func() {
		_, err := recv.Receive(ctx, &out, int64(len(payload)))
		recvErr <- err
	}()
	go func() {
		_, _ = send.Send(ctx, bytes.NewReader(payload), int64(len(payload)))
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	recv.CancelTransfer(false)

	select {
	case err := <-recvErr:
		if err != ErrCancelledLocally {
			t.Fatalf("Receive error = %v, want ErrCancelledLocally", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock Receive within 1s")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("cancel took %v to take effect, want well under 500ms", elapsed)
	}
}

// TestXmodemWireCancelSetsSharedCancelFlag pins a wire-level double-CAN abort
// to the same observable SessionState.CancelFlag a programmatic
// CancelTransfer call sets, so a Snapshot() taken after either kind of abort
// looks the same to an external observer.
func TestXmodemWireCancelSetsSharedCancelFlag(t *testing.T) {
	recvEnd, sendEnd := loopbackPair()
	session := NewSessionState("XMODEM", "")
	recv := NewXmodemEngine(recvEnd, recvEnd, fastCfg(X1K), session, nil)

	go func() {
		_, _ = sendEnd.Write([]byte{CAN, CAN})
	}()

	if _, _, err := recv.negotiateReceive(context.Background()); err != ErrCancelledByPeer {
		t.Fatalf("negotiateReceive error = %v, want ErrCancelledByPeer", err)
	}
	if got := session.CancelFlag(); got < 2 {
		t.Fatalf("CancelFlag = %d, want >= 2 after a wire-level double-CAN abort", got)
	}
}
