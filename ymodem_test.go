package xymodem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// memFileHandler is a FileHandler over in-memory file offers, for batch
// tests that never touch the filesystem.
type memFileHandler struct {
	mu        sync.Mutex
	offers    []*FileOffer
	sendIdx   int
	received  map[string]*bytes.Buffer
	completed map[string]error
	skip      map[string]bool
}

func newMemFileHandler() *memFileHandler {
	return &memFileHandler{
		received:  make(map[string]*bytes.Buffer),
		completed: make(map[string]error),
		skip:      make(map[string]bool),
	}
}

func (h *memFileHandler) NextFile() (*FileOffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendIdx >= len(h.offers) {
		return nil, nil
	}
	o := h.offers[h.sendIdx]
	h.sendIdx++
	return o, nil
}

func (h *memFileHandler) AcceptFile(info FileInfo) (io.WriteCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.skip[info.RemoteFilename] {
		return nil, ErrSkip
	}
	buf := &bytes.Buffer{}
	h.received[info.RemoteFilename] = buf
	return nopWriteCloser{buf}, nil
}

func (h *memFileHandler) FileProgress(FileInfo, int64) {}

func (h *memFileHandler) FileCompleted(info FileInfo, _ int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed[info.RemoteFilename] = err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func runYmodemBatch(t *testing.T, yflavor YFlavor, files map[string][]byte, skip map[string]bool) *memFileHandler {
	t.Helper()
	recvEnd, sendEnd := loopbackPair()

	sender := newMemFileHandler()
	for name, data := range files {
		sender.offers = append(sender.offers, &FileOffer{
			Name:    name,
			Size:    int64(len(data)),
			ModTime: time.Unix(1700000000, 0),
			Reader:  bytes.NewReader(data),
		})
	}

	receiver := newMemFileHandler()
	if skip != nil {
		receiver.skip = skip
	}

	cfg := Config{YFlavor: yflavor, TimeoutMs: 300, MaxConsecutiveErrors: 10}
	recvEngine := NewYmodemEngine(recvEnd, recvEnd, cfg, nil, receiver, nil)
	sendEngine := NewYmodemEngine(sendEnd, sendEnd, cfg, nil, sender, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() { recvErr <- recvEngine.Receive(ctx) }()
	sendErr := make(chan error, 1)
	go func() { sendErr <- sendEngine.Send(ctx) }()

	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return receiver
}

func TestYmodemBatchFourFiles(t *testing.T) {
	files := map[string][]byte{
		"one.txt":   bytes.Repeat([]byte("1"), 100),
		"two.bin":   bytes.Repeat([]byte{0xAB}, 2048),
		"three.dat": []byte("short"),
		"four.log":  bytes.Repeat([]byte("line\n"), 500),
	}
	receiver := runYmodemBatch(t, YVanilla, files, nil)

	for name, want := range files {
		got, ok := receiver.received[name]
		if !ok {
			t.Fatalf("file %s not received", name)
		}
		if !bytes.Equal(got.Bytes(), want) {
			t.Fatalf("file %s mismatch: got %d bytes, want %d", name, got.Len(), len(want))
		}
		if err := receiver.completed[name]; err != nil {
			t.Fatalf("file %s completed with error: %v", name, err)
		}
	}
}

func TestYmodemGBatchByteForByte(t *testing.T) {
	files := map[string][]byte{
		"stream.bin": bytes.Repeat([]byte("ymodem-g "), 3000),
	}
	receiver := runYmodemBatch(t, YG, files, nil)

	got := receiver.received["stream.bin"]
	if got == nil || !bytes.Equal(got.Bytes(), files["stream.bin"]) {
		t.Fatal("YMODEM/G batch did not round-trip byte-for-byte")
	}
}

func TestYmodemSkipFile(t *testing.T) {
	files := map[string][]byte{
		"keep.txt": []byte("keep me"),
		"skip.txt": bytes.Repeat([]byte("s"), 5000),
	}
	receiver := runYmodemBatch(t, YVanilla, files, map[string]bool{"skip.txt": true})

	if _, ok := receiver.received["skip.txt"]; ok {
		t.Fatal("skip.txt should not have been written")
	}
	if err := receiver.completed["skip.txt"]; !errors.Is(err, ErrSkip) {
		t.Fatalf("skip.txt completion error = %v, want ErrSkip", err)
	}
	got := receiver.received["keep.txt"]
	if got == nil || got.String() != "keep me" {
		t.Fatal("keep.txt not received correctly after a skip")
	}
}

func TestBlock0RoundTrip(t *testing.T) {
	modTime := time.Unix(1700000000, 0)
	block := marshalBlock0("report.csv", 4096, modTime, 0o644, 128)

	name, size, mt, mode, err := parseBlock0(block)
	if err != nil {
		t.Fatalf("parseBlock0: %v", err)
	}
	if name != "report.csv" || size != 4096 || mode != 0o644 {
		t.Fatalf("parseBlock0 = (%q, %d, %o), want (report.csv, 4096, 644)", name, size, mode)
	}
	if mt.Unix() != modTime.Unix() {
		t.Fatalf("modtime = %v, want %v", mt, modTime)
	}
}

func TestBlock0TerminalMarker(t *testing.T) {
	block := marshalBlock0("", 0, time.Time{}, 0, 128)
	name, _, _, _, err := parseBlock0(block)
	if err != nil {
		t.Fatalf("parseBlock0: %v", err)
	}
	if name != "" {
		t.Fatalf("expected terminal empty name, got %q", name)
	}
}

func TestBlock0SizeDefaultsTo128(t *testing.T) {
	size := block0Size("report.csv", 4096, time.Unix(1700000000, 0), 0o644)
	if size != 128 {
		t.Fatalf("block0Size = %d, want 128 for a short name", size)
	}
}

func TestBlock0SizeEscalatesOnOverflow(t *testing.T) {
	longName := strings.Repeat("x", 200) + ".bin"
	size := block0Size(longName, 123456789, time.Unix(1700000000, 0), 0o644)
	if size != 1024 {
		t.Fatalf("block0Size = %d, want 1024 for a name that overflows a 128-byte block", size)
	}
}

// TestYmodemSendBlock0UsesShortFrameEvenUnderStreamingFlavor exercises the
// real Send() wire-sizing decision directly against sendBlockWithRetry: a
// block-0 envelope must go out as a 128-byte SOH block unless its fields
// overflow, even when the batch flavor is YMODEM/G (which sends 1024-byte
// STX blocks for every file body).
func TestYmodemSendBlock0UsesShortFrameEvenUnderStreamingFlavor(t *testing.T) {
	var out bytes.Buffer
	e := NewXmodemEngine(bytes.NewReader(nil), &out, fastCfg(X1KG), nil, nil)

	payload := marshalBlock0("short.txt", 10, time.Time{}, 0, block0Size("short.txt", 10, time.Time{}, 0))
	if len(payload) != 128 {
		t.Fatalf("payload length = %d, want 128", len(payload))
	}
	if err := e.sendBlockWithRetry(X1KG, 0, payload); err != nil {
		t.Fatalf("sendBlockWithRetry: %v", err)
	}
	if got := out.Bytes()[0]; got != SOH {
		t.Fatalf("frame byte = %#x, want SOH for a 128-byte block-0 under X1KG", got)
	}
}

// TestYmodemTerminalBlock0AlwaysShortFrame pins sendTerminalBlock0 to the
// spec's "all-NUL 128-byte sequence-0 block" batch terminator regardless of
// the batch's negotiated flavor.
func TestYmodemTerminalBlock0AlwaysShortFrame(t *testing.T) {
	var out bytes.Buffer
	e := NewXmodemEngine(bytes.NewReader(nil), &out, fastCfg(X1KG), nil, nil)
	y := &YmodemEngine{xm: e}

	if err := y.sendTerminalBlock0(X1KG); err != nil {
		t.Fatalf("sendTerminalBlock0: %v", err)
	}
	wire := out.Bytes()
	if wire[0] != SOH {
		t.Fatalf("terminal block-0 frame byte = %#x, want SOH", wire[0])
	}
	wantLen := 1 + 2 + 128 + 2 // frame + seq/~seq + 128-byte payload + CRC16
	if len(wire) != wantLen {
		t.Fatalf("terminal block-0 wire length = %d, want %d", len(wire), wantLen)
	}
}

// TestYmodemReceiveDeletesPartialFileOnCancel drives a real DirectoryFileHandler
// backed by a temp directory, so it exercises the on-disk localfs.LocalFile
// Delete path rather than the in-memory writer TestXmodemCancelByController
// uses. A controller cancel mid-file must not leave a half-written
// destination file behind.
func TestYmodemReceiveDeletesPartialFileOnCancel(t *testing.T) {
	dir := t.TempDir()
	recvEnd, sendEnd := loopbackPair()

	payload := bytes.Repeat([]byte("x"), 16*1024*1024)
	sender := newMemFileHandler()
	sender.offers = append(sender.offers, &FileOffer{
		Name:    "big.bin",
		Size:    int64(len(payload)),
		ModTime: time.Unix(1700000000, 0),
		Reader:  bytes.NewReader(payload),
	})

	cfg := Config{YFlavor: YVanilla, TimeoutMs: 300, MaxConsecutiveErrors: 10, TransferDirectory: dir}
	recvHandler := NewDirectoryFileHandler(cfg, nil)
	recvEngine := NewYmodemEngine(recvEnd, recvEnd, cfg, nil, recvHandler, nil)
	sendEngine := NewYmodemEngine(sendEnd, sendEnd, cfg, nil, sender, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() { recvErr <- recvEngine.Receive(ctx) }()
	go func() { _ = sendEngine.Send(ctx) }()

	time.Sleep(20 * time.Millisecond)
	recvEngine.CancelTransfer(false)

	select {
	case <-recvErr:
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock Receive within 1s")
	}

	if _, err := os.Stat(filepath.Join(dir, "big.bin")); !os.IsNotExist(err) {
		t.Fatalf("partial file still present after cancel, stat err = %v", err)
	}
}
