package xymodem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// XmodemEngine implements the XMODEM block engine: flavor negotiation, the
// receive loop, the send loop, and the retry/abort policy shared by both
// directions. YmodemEngine composes one of these rather than embedding or
// subclassing it, and drives its lower-level block primitives directly for
// the block-0 envelope.
type XmodemEngine struct {
	cfg     Config
	session *SessionState
	logger  *slog.Logger

	tr  *TimeoutReader
	eof *EofReader
	out io.Writer

	mu          sync.Mutex
	keepPartial bool
	active      bool
}

// acquire marks the engine active for the duration of one Send or Receive
// call, refusing a second concurrent call. Grounded in the teacher's
// Session.acquire/release guard.
func (e *XmodemEngine) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return false
	}
	e.active = true
	return true
}

func (e *XmodemEngine) release() {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
}

// NewXmodemEngine creates an engine reading from in and writing to out. cfg
// is defaulted via Config.defaults. session may be nil, in which case
// counters are not published (useful for unit tests of the engine alone).
func NewXmodemEngine(in io.Reader, out io.Writer, cfg Config, session *SessionState, logger *slog.Logger) *XmodemEngine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.defaults()
	tr := NewTimeoutReader(in)
	return &XmodemEngine{
		cfg:     cfg,
		session: session,
		logger:  logger,
		tr:      tr,
		eof:     NewEofReader(tr),
		out:     newFlushingWriter(out),
	}
}

// CancelTransfer requests that the engine abort at the next block boundary
// or read attempt. If keepPartial is false, the caller is responsible for
// deleting the partially written output file on return (the engine itself
// has no filesystem handle once LocalFile ownership passes to the caller).
func (e *XmodemEngine) CancelTransfer(keepPartial bool) {
	e.mu.Lock()
	e.keepPartial = keepPartial
	e.mu.Unlock()
	if e.session != nil {
		e.session.CancelTransfer()
	}
	e.tr.Cancel()
}

// KeepPartial reports the keepPartial value from the most recent
// CancelTransfer call.
func (e *XmodemEngine) KeepPartial() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keepPartial
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// translateFatal maps a byteSource error to the error the engine should
// return from its run loop. ErrTimeout is never fatal on its own; callers
// that want fatal timeout handling check for it before calling this.
func (e *XmodemEngine) translateFatal(err error) error {
	switch err {
	case ErrCancelled:
		return ErrCancelledLocally
	default:
		return err
	}
}

func (e *XmodemEngine) sendByte(b byte) error {
	_, err := e.out.Write([]byte{b})
	return err
}

func (e *XmodemEngine) sendACK() error { return e.sendByte(ACK) }
func (e *XmodemEngine) sendNAK() error { return e.sendByte(NAK) }

func (e *XmodemEngine) sendDoubleCAN() {
	_, _ = e.out.Write([]byte{CAN, CAN})
}

// negotiateReceive drives the receiver side of flavor negotiation: send the
// handshake byte every 3 seconds, retry up to the flavor's attempt budget,
// and fix the flavor to whichever handshake elicited the first block-start
// byte (spec 4.4). An EOT in place of the first block (a zero-length file)
// ends negotiation the same way and is handed on to receiveLoop.
func (e *XmodemEngine) negotiateReceive(ctx context.Context) (Flavor, byte, error) {
	configured := e.cfg.Flavor
	crcClass := configured.usesCRC()
	const maxAttempts = 10
	crcAttempts := 0
	if crcClass {
		crcAttempts = 4
	}

	e.tr.SetTimeout(3000)
	canCount := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctxErr(ctx); err != nil {
			return 0, 0, err
		}
		usingCRC := crcClass && attempt <= crcAttempts
		hb := byte(NAK)
		if usingCRC {
			hb = CRC
		}
		if err := e.sendByte(hb); err != nil {
			return 0, 0, err
		}

		b, err := e.eof.ReadByte()
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return 0, 0, e.translateFatal(err)
		}

		switch b {
		case SOH, STX, EOT:
			flavor := configured
			if crcClass && !usingCRC {
				flavor = Vanilla // peer never answered C; fall back
			}
			return flavor, b, nil
		case CAN:
			canCount++
			if canCount >= 2 {
				e.markCancelledByPeer()
				return 0, 0, ErrCancelledByPeer
			}
		default:
			// noise during idle: discarded
		}
	}
	return 0, 0, ErrRetryBudgetExhausted
}

// negotiateSend drives the sender side: wait up to 60s for the receiver's
// handshake byte and derive the flavor from it.
func (e *XmodemEngine) negotiateSend(ctx context.Context) (Flavor, error) {
	configured := e.cfg.Flavor
	deadline := time.Now().Add(60 * time.Second)
	canCount := 0
	e.tr.SetTimeout(1000)

	for time.Now().Before(deadline) {
		if err := ctxErr(ctx); err != nil {
			return 0, err
		}
		b, err := e.eof.ReadByte()
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return 0, e.translateFatal(err)
		}
		switch b {
		case NAK:
			if configured == Relaxed {
				return Relaxed, nil
			}
			return Vanilla, nil
		case CRC:
			if configured == X1K || configured == X1KG {
				return configured, nil
			}
			return CRCFlavor, nil
		case CAN:
			canCount++
			if canCount >= 2 {
				e.markCancelledByPeer()
				return 0, ErrCancelledByPeer
			}
		default:
			// noise during idle: discarded
		}
	}
	return 0, ErrRetryBudgetExhausted
}

// blockHeaderSize validates the SOH/STX framing byte against the flavor and
// returns the payload size, or an error if the frame byte is illegal.
func blockHeaderSize(frameByte byte, flavor Flavor) (int, error) {
	switch frameByte {
	case SOH:
		return 128, nil
	case STX:
		if flavor != X1K && flavor != X1KG {
			return 0, ErrUnexpectedFrame
		}
		return 1024, nil
	default:
		return 0, ErrUnexpectedFrame
	}
}

// readBlockBody reads sequence, complement, payload, and integrity bytes for
// one block (the framing byte has already been consumed). ok reports whether
// the complement and integrity checks both passed.
func (e *XmodemEngine) readBlockBody(flavor Flavor, size int) (seq byte, payload []byte, ok bool, err error) {
	var hdr [2]byte
	if err = e.eof.ReadFull(hdr[:]); err != nil {
		return
	}
	seq = hdr[0]
	comp := hdr[1]

	payload = make([]byte, size)
	if err = e.eof.ReadFull(payload); err != nil {
		return
	}

	var integrityOK bool
	if flavor.usesCRC() {
		var crcBuf [2]byte
		if err = e.eof.ReadFull(crcBuf[:]); err != nil {
			return
		}
		got := uint16(crcBuf[0])<<8 | uint16(crcBuf[1])
		integrityOK = crc16(payload) == got
	} else {
		var sumBuf [1]byte
		if err = e.eof.ReadFull(sumBuf[:]); err != nil {
			return
		}
		integrityOK = checksum8(payload) == sumBuf[0]
	}

	ok = (comp == ^seq) && integrityOK
	return
}

// Receive runs the receiver side of one XMODEM file transfer, writing
// payload bytes to w as they are validated. maxBytes, if positive, truncates
// the final block's pad bytes so only the declared file length is written
// (used by YmodemEngine, which knows the size from block 0); 0 means
// write every byte including trailing CPMEOF padding, per the XMODEM
// property that the receiver cannot distinguish pad from data.
func (e *XmodemEngine) Receive(ctx context.Context, w io.Writer, maxBytes int64) (int64, error) {
	if !e.acquire() {
		return 0, ErrSessionActive
	}
	defer e.release()

	flavor, firstFrame, err := e.negotiateReceive(ctx)
	if err != nil {
		e.noteAbort(err)
		return 0, err
	}
	if e.session != nil {
		e.session.mu.Lock()
		e.session.Flavor = flavor
		e.session.mu.Unlock()
	}
	e.tr.SetTimeout(e.cfg.TimeoutMs)
	return e.receiveLoop(ctx, flavor, firstFrame, w, maxBytes)
}

// receiveLoop runs the block-receive state machine starting from frameByte
// (already-read framing byte; pass 0 to read the first one fresh). It is the
// shared tail of Receive, also used by YmodemEngine to receive one file's
// body once block 0 has already fixed the flavor and a handshake byte has
// already been sent to start the file's data stream.
func (e *XmodemEngine) receiveLoop(ctx context.Context, flavor Flavor, frameByte byte, w io.Writer, maxBytes int64) (int64, error) {
	expected := byte(1)
	var written int64
	canCount := 0
	consecutiveErr := 0

	for {
		if err := ctxErr(ctx); err != nil {
			e.noteAbort(err)
			return written, err
		}
		if e.session != nil && e.session.CancelFlag() >= 2 {
			e.sendDoubleCAN()
			e.noteAbort(ErrCancelledLocally)
			return written, ErrCancelledLocally
		}

		if frameByte == 0 {
			b, err := e.eof.ReadByte()
			if err != nil {
				if err == ErrTimeout {
					consecutiveErr++
					e.bumpConsecutiveErrors()
					if err := e.budgetCheck(flavor, &consecutiveErr); err != nil {
						e.noteAbort(err)
						return written, err
					}
					continue
				}
				fe := e.translateFatal(err)
				e.noteAbort(fe)
				return written, fe
			}
			frameByte = b
		}

		switch frameByte {
		case EOT:
			_ = e.sendACK()
			return e.truncate(written, maxBytes), nil

		case CAN:
			canCount++
			if canCount >= 2 {
				e.markCancelledByPeer()
				e.noteAbort(ErrCancelledByPeer)
				return written, ErrCancelledByPeer
			}
			frameByte = 0

		case SOH, STX:
			canCount = 0
			size, hdrErr := blockHeaderSize(frameByte, flavor)
			if hdrErr != nil {
				consecutiveErr++
				e.bumpConsecutiveErrors()
				if err := e.budgetCheck(flavor, &consecutiveErr); err != nil {
					e.noteAbort(err)
					return written, err
				}
				if !flavor.streaming() {
					_ = e.sendNAK()
				}
				frameByte = 0
				continue
			}

			seq, payload, ok, rerr := e.readBlockBody(flavor, size)
			if rerr != nil {
				if rerr == ErrTimeout {
					consecutiveErr++
					e.bumpConsecutiveErrors()
					if err := e.budgetCheck(flavor, &consecutiveErr); err != nil {
						e.noteAbort(err)
						return written, err
					}
					frameByte = 0
					continue
				}
				fe := e.translateFatal(rerr)
				e.noteAbort(fe)
				return written, fe
			}

			if !ok {
				consecutiveErr++
				e.bumpConsecutiveErrors()
				if err := e.budgetCheck(flavor, &consecutiveErr); err != nil {
					e.noteAbort(err)
					return written, err
				}
				if !flavor.streaming() {
					_ = e.sendNAK()
				}
				frameByte = 0
				continue
			}

			switch {
			case seq == expected:
				data := payload
				if maxBytes > 0 && written+int64(len(data)) > maxBytes {
					keep := maxBytes - written
					if keep < 0 {
						keep = 0
					}
					data = data[:keep]
				}
				if _, werr := w.Write(data); werr != nil {
					fe := fmt.Errorf("%w: %v", ErrFileWriteFailure, werr)
					e.noteAbort(fe)
					return written, fe
				}
				written += int64(len(data))
				expected++
				consecutiveErr = 0
				e.clearConsecutiveErrors()
				if e.session != nil {
					e.session.mu.Lock()
					e.session.bytesTransferred += int64(len(data))
					e.session.blocksTransferred++
					e.session.mu.Unlock()
				}
				if !flavor.streaming() {
					_ = e.sendACK()
				}
			case seq == expected-1:
				// idempotent retransmit: already written, re-ack only
				if !flavor.streaming() {
					_ = e.sendACK()
				}
			default:
				e.sendDoubleCAN()
				e.noteAbort(ErrSequenceOutOfOrder)
				return written, ErrSequenceOutOfOrder
			}
			frameByte = 0

		default:
			// unknown byte where a framing byte was expected: purge until a
			// framing byte appears, then NAK (except under _G)
			b, perr := e.purgeUntilFrame()
			if perr != nil {
				fe := e.translateFatal(perr)
				e.noteAbort(fe)
				return written, fe
			}
			if !flavor.streaming() {
				_ = e.sendNAK()
			}
			frameByte = b
		}
	}
}

// truncate caps written at maxBytes when maxBytes > 0. The XMODEM protocol
// itself cannot distinguish trailing pad from data; callers that know the
// true size (YMODEM, via block 0) pass it here to trim the pad.
func (e *XmodemEngine) truncate(written, maxBytes int64) int64 {
	if maxBytes > 0 && written > maxBytes {
		return maxBytes
	}
	return written
}

// budgetCheck increments handling for a recoverable error: under a
// streaming (_G) flavor any first-time failure is promoted straight to
// abort; otherwise the consecutive-error counter is checked against the
// configured budget.
func (e *XmodemEngine) budgetCheck(flavor Flavor, consecutiveErr *int) error {
	if flavor.streaming() {
		e.sendDoubleCAN()
		return ErrIntegrityFailure
	}
	if *consecutiveErr >= e.cfg.MaxConsecutiveErrors {
		e.sendDoubleCAN()
		return fmt.Errorf("%w: TOO MANY ERRORS", ErrRetryBudgetExhausted)
	}
	return nil
}

func (e *XmodemEngine) purgeUntilFrame() (byte, error) {
	for {
		b, err := e.eof.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case SOH, STX, EOT, CAN:
			return b, nil
		}
	}
}

func (e *XmodemEngine) bumpConsecutiveErrors() {
	if e.session != nil {
		e.session.incConsecutiveErrors()
	}
}

func (e *XmodemEngine) clearConsecutiveErrors() {
	if e.session != nil {
		e.session.resetConsecutiveErrors()
	}
}

// markCancelledByPeer mirrors a wire-level double-CAN abort into the
// session's cancelFlag, the same field a programmatic CancelTransfer call
// sets, so Snapshot().CancelFlag is consistent regardless of which side
// triggered the abort (spec: cancelFlag is the unified field for both).
// Called exactly once, at the moment the abort is decided — never
// incremented per-byte and never reset — so it cannot race the
// CancelFlag() >= 2 check receiveLoop uses to detect a controller cancel.
func (e *XmodemEngine) markCancelledByPeer() {
	if e.session != nil {
		e.session.CancelTransfer()
	}
}

func (e *XmodemEngine) noteAbort(err error) {
	if e.session == nil || err == nil {
		return
	}
	e.session.addMessage(MsgError, err.Error())
	e.session.setState(StateAbort)
}

// Send runs the sender side of one XMODEM file transfer, streaming payload
// from r. size, if known, only controls whether any data blocks are sent at
// all (size == 0 means send EOT immediately with no blocks, per the
// zero-length-file resolution in SPEC_FULL.md); otherwise r is read to EOF.
func (e *XmodemEngine) Send(ctx context.Context, r io.Reader, size int64) (int64, error) {
	if !e.acquire() {
		return 0, ErrSessionActive
	}
	defer e.release()

	flavor, err := e.negotiateSend(ctx)
	if err != nil {
		e.noteAbort(err)
		return 0, err
	}
	if e.session != nil {
		e.session.mu.Lock()
		e.session.Flavor = flavor
		e.session.mu.Unlock()
	}
	e.tr.SetTimeout(e.cfg.TimeoutMs)
	return e.sendFileBody(ctx, r, size, flavor)
}

// sendFileBody streams r as data blocks under flavor and sends the closing
// EOT handshake. It is the shared tail of Send, also used by YmodemEngine
// once it has negotiated a fresh handshake for each file's body.
func (e *XmodemEngine) sendFileBody(ctx context.Context, r io.Reader, size int64, flavor Flavor) (int64, error) {
	var sent int64
	if size == 0 {
		if err := e.sendEOT(); err != nil {
			e.noteAbort(err)
			return 0, err
		}
		return 0, nil
	}

	blockSize := flavor.blockSize()
	buf := make([]byte, blockSize)
	seq := byte(1)

	for {
		if err := ctxErr(ctx); err != nil {
			e.noteAbort(err)
			return sent, err
		}
		if e.session != nil && e.session.CancelFlag() >= 2 {
			e.sendDoubleCAN()
			e.noteAbort(ErrCancelledLocally)
			return sent, ErrCancelledLocally
		}

		n, rerr := io.ReadFull(r, buf)
		atEOF := false
		switch {
		case rerr == io.EOF:
			atEOF = true
		case rerr == io.ErrUnexpectedEOF:
			atEOF = true
		case rerr != nil:
			fe := fmt.Errorf("xymodem: file read error: %w", rerr)
			e.noteAbort(fe)
			return sent, fe
		}

		if n == 0 && atEOF {
			break
		}

		payload := buf[:n]
		if atEOF {
			padded := make([]byte, blockSize)
			copy(padded, payload)
			for i := n; i < blockSize; i++ {
				padded[i] = CPMEOF
			}
			payload = padded
		}

		if err := e.sendBlockWithRetry(flavor, seq, payload); err != nil {
			e.noteAbort(err)
			return sent, err
		}
		sent += int64(n)
		seq++
		if e.session != nil {
			e.session.mu.Lock()
			e.session.bytesTransferred += int64(n)
			e.session.blocksTransferred++
			e.session.mu.Unlock()
		}

		if atEOF {
			break
		}
	}

	if err := e.sendEOT(); err != nil {
		e.noteAbort(err)
		return sent, err
	}
	return sent, nil
}

// sendBlockWithRetry frames and sends one data block, waiting for ACK unless
// the flavor streams. Noise bytes while waiting for an ack are discarded
// without triggering a resend; NAK/timeout trigger a bounded resend; CAN
// counts toward the double-CAN abort.
func (e *XmodemEngine) sendBlockWithRetry(flavor Flavor, seq byte, payload []byte) error {
	frameByte := byte(SOH)
	if len(payload) == 1024 {
		frameByte = STX
	}

	var integrity []byte
	if flavor.usesCRC() {
		v := crc16(payload)
		integrity = []byte{byte(v >> 8), byte(v)}
	} else {
		integrity = []byte{checksum8(payload)}
	}

	block := make([]byte, 0, 3+len(payload)+len(integrity))
	block = append(block, frameByte, seq, ^seq)
	block = append(block, payload...)
	block = append(block, integrity...)

	retries := 0
	canCount := 0

retry:
	for {
		if _, err := e.out.Write(block); err != nil {
			return err
		}
		if flavor.streaming() {
			return nil
		}

		for {
			b, err := e.eof.ReadByte()
			if err != nil {
				if err == ErrTimeout {
					retries++
					if retries >= e.cfg.MaxConsecutiveErrors {
						return ErrRetryBudgetExhausted
					}
					continue retry
				}
				return e.translateFatal(err)
			}
			switch b {
			case ACK:
				return nil
			case NAK:
				retries++
				if retries >= e.cfg.MaxConsecutiveErrors {
					return ErrRetryBudgetExhausted
				}
				continue retry
			case CAN:
				canCount++
				if canCount >= 2 {
					e.markCancelledByPeer()
					return ErrCancelledByPeer
				}
			default:
				// noise: keep waiting, don't resend
			}
		}
	}
}

// sendEOT sends EOT, retrying on NAK up to the configured retry budget.
func (e *XmodemEngine) sendEOT() error {
	retries := 0
	canCount := 0

retry:
	for {
		if err := e.sendByte(EOT); err != nil {
			return err
		}
		for {
			b, err := e.eof.ReadByte()
			if err != nil {
				if err == ErrTimeout {
					retries++
					if retries >= e.cfg.MaxConsecutiveErrors {
						return ErrRetryBudgetExhausted
					}
					continue retry
				}
				return e.translateFatal(err)
			}
			switch b {
			case ACK:
				return nil
			case NAK:
				retries++
				if retries >= e.cfg.MaxConsecutiveErrors {
					return ErrRetryBudgetExhausted
				}
				continue retry
			case CAN:
				canCount++
				if canCount >= 2 {
					e.markCancelledByPeer()
					return ErrCancelledByPeer
				}
			default:
				// noise: keep waiting
			}
		}
	}
}
