package xymodem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// YmodemEngine drives a YMODEM batch transfer: a sequence of XMODEM 1K (or
// 1K/G) transfers, each preceded by a block-0 envelope naming the file. It
// composes an XmodemEngine by pointer rather than embedding it, per the
// composition-over-inheritance shape: every per-file transfer reuses the
// XmodemEngine's negotiation and block primitives, but the batch loop, the
// block-0 codec, and the FileHandler callbacks belong to YmodemEngine alone.
type YmodemEngine struct {
	xm      *XmodemEngine
	cfg     Config
	session *SessionState
	logger  *slog.Logger
	handler FileHandler
}

// NewYmodemEngine creates a batch engine over in/out. cfg.YFlavor selects
// YMODEM or YMODEM/G; cfg.Flavor is ignored (each file negotiates 1K or 1K/G
// per cfg.YFlavor instead).
func NewYmodemEngine(in io.Reader, out io.Writer, cfg Config, session *SessionState, handler FileHandler, logger *slog.Logger) *YmodemEngine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.defaults()
	xmCfg := cfg
	xmCfg.Flavor = cfg.YFlavor.xmodemFlavor()
	return &YmodemEngine{
		xm:      NewXmodemEngine(in, out, xmCfg, session, logger),
		cfg:     cfg,
		session: session,
		logger:  logger,
		handler: handler,
	}
}

// CancelTransfer requests the running batch abort at the next block
// boundary, deferring to the underlying XmodemEngine's cancellation.
func (y *YmodemEngine) CancelTransfer(keepPartial bool) {
	y.xm.CancelTransfer(keepPartial)
}

// encodedBlock0Fields returns the name/size/modtime/mode fields encoded as
// they appear before NUL padding, so callers can size the envelope before
// building it.
func encodedBlock0Fields(name string, size int64, modTime time.Time, mode os.FileMode) []byte {
	buf := make([]byte, 0, len(name)+32)
	buf = append(buf, []byte(name)...)
	buf = append(buf, 0)
	if name != "" {
		var meta strings.Builder
		meta.WriteString(strconv.FormatInt(size, 10))
		if !modTime.IsZero() {
			fmt.Fprintf(&meta, " %o", modTime.Unix())
		}
		if mode != 0 {
			fmt.Fprintf(&meta, " %o", mode.Perm())
		}
		buf = append(buf, []byte(meta.String())...)
	}
	return buf
}

// block0Size picks the block-0 envelope size: 128 bytes by default, 1024
// only when the encoded fields overflow a 128-byte block (spec.md §4.7 puts
// the overflow threshold at 110 encoded bytes, leaving room for padding).
// Grounded in other_examples' azurity-xmodem-go sendList, which sizes each
// block-0 the same way rather than always sending 1024 like a file body.
func block0Size(name string, size int64, modTime time.Time, mode os.FileMode) int {
	if len(encodedBlock0Fields(name, size, modTime, mode)) > 110 {
		return 1024
	}
	return 128
}

// marshalBlock0 encodes the YMODEM batch header: name NUL size (octal
// modtime)? (octal mode)? NUL-padded to blockSize. An empty name marks the
// end of the batch.
func marshalBlock0(name string, size int64, modTime time.Time, mode os.FileMode, blockSize int) []byte {
	buf := encodedBlock0Fields(name, size, modTime, mode)
	if len(buf) > blockSize {
		buf = buf[:blockSize]
	}
	padded := make([]byte, blockSize)
	copy(padded, buf)
	return padded
}

// parseBlock0 decodes a block-0 envelope. An empty name with nil error
// signals the terminal, empty block-0 that ends a batch.
func parseBlock0(data []byte) (name string, size int64, modTime time.Time, mode os.FileMode, err error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return "", 0, time.Time{}, 0, ErrBlock0ParseFailure
	}
	name = string(data[:nul])
	if name == "" {
		return "", 0, time.Time{}, 0, nil
	}

	rest := data[nul+1:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	fields := strings.Fields(string(rest))
	if len(fields) == 0 {
		return name, 0, time.Time{}, 0, ErrMissingFileSize
	}

	size, serr := strconv.ParseInt(fields[0], 10, 64)
	if serr != nil {
		return name, 0, time.Time{}, 0, ErrMissingFileSize
	}
	if len(fields) > 1 {
		if mt, e := strconv.ParseInt(fields[1], 8, 64); e == nil && mt > 0 {
			modTime = time.Unix(mt, 0)
		}
	}
	if len(fields) > 2 {
		if md, e := strconv.ParseUint(fields[2], 8, 32); e == nil {
			mode = os.FileMode(md)
		}
	}
	return name, size, modTime, mode, nil
}

// recvBlock0 reads and ACKs one block-0 envelope, retrying on integrity
// failure up to the configured budget. frameByte is the already-read
// framing byte (from negotiation, or from a previous retry's re-read).
func (y *YmodemEngine) recvBlock0(flavor Flavor, frameByte byte) ([]byte, error) {
	xm := y.xm
	retries := 0
	for {
		size, hdrErr := blockHeaderSize(frameByte, flavor)
		if hdrErr == nil {
			seq, payload, ok, rerr := xm.readBlockBody(flavor, size)
			if rerr != nil && rerr != ErrTimeout {
				return nil, xm.translateFatal(rerr)
			}
			if rerr == nil && ok && seq == 0 {
				if err := xm.sendACK(); err != nil {
					return nil, err
				}
				return payload, nil
			}
		}

		retries++
		if retries >= xm.cfg.MaxConsecutiveErrors {
			xm.sendDoubleCAN()
			return nil, ErrRetryBudgetExhausted
		}
		_ = xm.sendNAK()
		b, err := xm.eof.ReadByte()
		if err != nil {
			return nil, xm.translateFatal(err)
		}
		frameByte = b
	}
}

// Receive runs the receiver side of a YMODEM batch: negotiate, read block 0,
// hand the declared file to handler.AcceptFile, run an XMODEM receive into
// the returned writer, and loop until a terminal empty block 0 arrives.
func (y *YmodemEngine) Receive(ctx context.Context) error {
	if y.handler == nil {
		return errors.New("xymodem: YmodemEngine.Receive requires a FileHandler")
	}
	xm := y.xm
	if !xm.acquire() {
		return ErrSessionActive
	}
	defer xm.release()
	if y.session != nil {
		y.session.setState(StateFileInfo)
	}

	for {
		if err := ctxErr(ctx); err != nil {
			return err
		}

		flavor, firstFrame, err := xm.negotiateReceive(ctx)
		if err != nil {
			xm.noteAbort(err)
			return err
		}

		block0, err := y.recvBlock0(flavor, firstFrame)
		if err != nil {
			xm.noteAbort(err)
			return err
		}

		name, size, modTime, mode, perr := parseBlock0(block0)
		if perr != nil {
			xm.noteAbort(perr)
			return perr
		}
		if name == "" {
			if y.session != nil {
				y.session.setState(StateEnd)
			}
			return nil
		}

		info := FileInfo{
			RemoteFilename: name,
			Size:           size,
			ModTime:        modTime,
			Mode:           mode,
			BlockSize:      flavor.blockSize(),
			StartTime:      time.Now(),
		}
		var fw *fileWriter
		if y.session != nil {
			fw = y.session.addFile(&info)
			y.session.setState(StateTransfer)
		}

		w, aerr := y.handler.AcceptFile(info)
		skipped := false
		if aerr != nil {
			if !errors.Is(aerr, ErrSkip) {
				xm.noteAbort(aerr)
				return aerr
			}
			skipped = true
			w = discardWriteCloser{}
		}

		if err := xm.sendByte(flavor.handshakeByte()); err != nil {
			return err
		}
		xm.tr.SetTimeout(xm.cfg.TimeoutMs)

		written, terr := xm.receiveLoop(ctx, flavor, 0, w, size)
		if terr != nil && !xm.KeepPartial() {
			if dw, ok := w.(discardableWriteCloser); ok {
				_ = dw.Discard()
			} else {
				_ = w.Close()
			}
		} else {
			_ = w.Close()
		}

		if fw != nil {
			if terr == nil {
				fw.complete()
			} else {
				fw.seal()
			}
		}
		if skipped {
			y.handler.FileCompleted(info, written, ErrSkip)
		} else {
			y.handler.FileCompleted(info, written, terr)
		}
		if terr != nil {
			return terr
		}
		if y.session != nil {
			y.session.setState(StateFileDone)
		}
	}
}

// Send runs the sender side of a YMODEM batch: negotiate the flavor, then
// for each file from handler.NextFile send a block-0 envelope, wait for the
// receiver's fresh handshake, stream the file body via
// XmodemEngine.sendFileBody, and finally send a terminal empty block 0.
func (y *YmodemEngine) Send(ctx context.Context) error {
	if y.handler == nil {
		return errors.New("xymodem: YmodemEngine.Send requires a FileHandler")
	}
	xm := y.xm
	if !xm.acquire() {
		return ErrSessionActive
	}
	defer xm.release()
	if y.session != nil {
		y.session.setState(StateFileInfo)
	}

	flavor, err := xm.negotiateSend(ctx)
	if err != nil {
		xm.noteAbort(err)
		return err
	}
	if y.session != nil {
		y.session.mu.Lock()
		y.session.Flavor = flavor
		y.session.mu.Unlock()
	}
	xm.tr.SetTimeout(xm.cfg.TimeoutMs)
	bodyBlockSize := flavor.blockSize()

	for {
		if err := ctxErr(ctx); err != nil {
			return err
		}

		offer, nerr := y.handler.NextFile()
		if nerr != nil {
			xm.noteAbort(nerr)
			return nerr
		}
		if offer == nil {
			if err := y.sendTerminalBlock0(flavor); err != nil {
				return err
			}
			if y.session != nil {
				y.session.setState(StateEnd)
			}
			return nil
		}

		block0 := marshalBlock0(offer.Name, offer.Size, offer.ModTime, offer.Mode,
			block0Size(offer.Name, offer.Size, offer.ModTime, offer.Mode))
		if err := xm.sendBlockWithRetry(flavor, 0, block0); err != nil {
			xm.noteAbort(err)
			return err
		}

		info := FileInfo{
			RemoteFilename: offer.Name,
			Size:           offer.Size,
			ModTime:        offer.ModTime,
			Mode:           offer.Mode,
			BlockSize:      bodyBlockSize,
			StartTime:      time.Now(),
		}
		var fw *fileWriter
		if y.session != nil {
			fw = y.session.addFile(&info)
			y.session.setState(StateTransfer)
		}

		// The receiver answers block 0 with a fresh handshake byte, exactly
		// like the start of a plain XMODEM transfer.
		if _, err := xm.negotiateSend(ctx); err != nil {
			xm.noteAbort(err)
			return err
		}
		xm.tr.SetTimeout(xm.cfg.TimeoutMs)

		sent, terr := xm.sendFileBody(ctx, offer.Reader, offer.Size, flavor)
		if rc, ok := offer.Reader.(io.Closer); ok {
			_ = rc.Close()
		}
		if fw != nil {
			if terr == nil {
				fw.complete()
			} else {
				fw.seal()
			}
		}
		y.handler.FileCompleted(info, sent, terr)
		if terr != nil {
			return terr
		}
		if y.session != nil {
			y.session.setState(StateFileDone)
		}
	}
}

// sendTerminalBlock0 sends the all-NUL, 128-byte empty-filename block that
// ends a batch (spec.md §6), regardless of the per-file flavor's body block
// size.
func (y *YmodemEngine) sendTerminalBlock0(flavor Flavor) error {
	payload := marshalBlock0("", 0, time.Time{}, 0, 128)
	return y.xm.sendBlockWithRetry(flavor, 0, payload)
}

// discardWriteCloser satisfies io.WriteCloser for a skipped file's body,
// which must still be read off the wire to keep the batch in sync.
type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }
