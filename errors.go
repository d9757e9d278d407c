// Package xymodem implements the XMODEM and YMODEM family of serial
// file-transfer protocols: byte-level framing, sequence/checksum validation,
// flavor negotiation, retry/timeout discipline, and (for YMODEM) a batch
// envelope carrying filenames, sizes, and modification times.
package xymodem

import "errors"

// Sentinel errors for the protocol-level failure kinds a caller may want to
// branch on. Integrity failures and unexpected frames are counted by the
// engine and retried until a budget is exhausted, at which point
// ErrRetryBudgetExhausted is returned instead (under a _G flavor the first
// one aborts with ErrIntegrityFailure). An out-of-order sequence number is
// not retried: it aborts at once with ErrSequenceOutOfOrder.
var (
	// ErrTimeout is returned by TimeoutReader when a read's deadline elapses
	// with no byte available.
	ErrTimeout = errors.New("xymodem: read timeout")

	// ErrCancelled is returned by TimeoutReader when Cancel is called while a
	// read is pending.
	ErrCancelled = errors.New("xymodem: read cancelled")

	// ErrEndOfStream is raised by EofReader in place of io.EOF.
	ErrEndOfStream = errors.New("xymodem: end of stream")

	// ErrIntegrityFailure indicates a checksum or CRC mismatch on a block.
	ErrIntegrityFailure = errors.New("xymodem: integrity check failed")

	// ErrSequenceOutOfOrder indicates a block sequence number that is
	// neither the expected block nor a retransmit of the previous one.
	ErrSequenceOutOfOrder = errors.New("xymodem: sequence out of order")

	// ErrUnexpectedFrame indicates a framing byte that is not legal in the
	// current protocol state (e.g. STX under a flavor with no 1K support).
	ErrUnexpectedFrame = errors.New("xymodem: unexpected frame byte")

	// ErrRetryBudgetExhausted indicates the consecutive-error or per-block
	// retry budget ran out.
	ErrRetryBudgetExhausted = errors.New("xymodem: retry budget exhausted")

	// ErrCancelledByPeer indicates a double-CAN was observed on the wire.
	ErrCancelledByPeer = errors.New("xymodem: cancelled by peer (CAN CAN)")

	// ErrCancelledLocally indicates cancelTransfer was invoked by a controller.
	ErrCancelledLocally = errors.New("xymodem: cancelled locally")

	// ErrFileOpenFailure indicates the LocalFile capability failed to open a
	// target for reading or writing.
	ErrFileOpenFailure = errors.New("xymodem: file open failure")

	// ErrFileWriteFailure indicates a write to the LocalFile target failed.
	ErrFileWriteFailure = errors.New("xymodem: file write failure")

	// ErrOverwriteRefused indicates the receiver declined to clobber an
	// existing file because Config.Overwrite is false.
	ErrOverwriteRefused = errors.New("xymodem: file already exists, will not overwrite")

	// ErrBlock0ParseFailure indicates a malformed YMODEM block-0 envelope.
	ErrBlock0ParseFailure = errors.New("xymodem: malformed block 0")

	// ErrMissingFileSize indicates a YMODEM block-0 envelope with no size
	// field.
	ErrMissingFileSize = errors.New("xymodem: invalid file size")

	// ErrSessionActive is returned when Send/Receive is called on an engine
	// that already has a transfer in progress.
	ErrSessionActive = errors.New("xymodem: session already active")

	// ErrUnsupportedConfig indicates a combination of flavor options the
	// engine does not support (e.g. RELAXED combined with a _G streaming
	// variant).
	ErrUnsupportedConfig = errors.New("xymodem: unsupported flavor combination")
)
