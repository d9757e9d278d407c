package xymodem

import (
	"os"
	"sync"
	"time"
)

// State is a SessionState lifecycle stage. The state machine is monotone:
// once END or ABORT, no further transitions occur.
type State int

const (
	StateInit State = iota
	StateFileInfo
	StateTransfer
	StateFileDone
	StateAbort
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFileInfo:
		return "FILE_INFO"
	case StateTransfer:
		return "TRANSFER"
	case StateFileDone:
		return "FILE_DONE"
	case StateAbort:
		return "ABORT"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether s is a terminal state (END or ABORT).
func (s State) terminal() bool {
	return s == StateAbort || s == StateEnd
}

// MessageKind classifies a SessionState log message.
type MessageKind int

const (
	MsgInfo MessageKind = iota
	MsgWarn
	MsgError
)

// Message is one entry in a SessionState's message log.
type Message struct {
	Kind MessageKind
	Text string
}

// FileInfo describes one file in a transfer, created at file start and
// mutated only by the engine through a fileWriter. Concurrent readers may
// observe it via SessionState.Snapshot.
type FileInfo struct {
	LocalName         string
	RemoteFilename    string
	Size              int64
	ModTime           time.Time
	Mode              os.FileMode
	BlockSize         int
	BlocksTotal       int
	BlocksTransferred int
	BytesTotal        int64
	BytesTransferred  int64
	Errors            int
	StartTime         time.Time
	EndTime           time.Time
	Complete          bool
}

// SessionState is the shared observable state of a transfer: flavor,
// counters, message log, cancel flag, file list, and current-file index.
// Only the engine that owns it mutates counters and file state; other
// components (a progress observer, a controller calling CancelTransfer) only
// read a Snapshot or call the narrow control methods below.
type SessionState struct {
	mu sync.Mutex

	Protocol string
	Flavor   Flavor
	YFlavor  YFlavor

	files       []*FileInfo
	currentFile int
	state       State

	bytesTotal        int64
	bytesTransferred  int64
	blocksTransferred int
	lastBlockTime     time.Time
	startTime         time.Time
	endTime           time.Time

	cancelFlag        int
	consecutiveErrors int
	messages          []Message
	transferDirectory string
}

// NewSessionState creates a fresh session in state INIT.
func NewSessionState(protocol, transferDirectory string) *SessionState {
	return &SessionState{
		Protocol:          protocol,
		currentFile:       -1,
		state:             StateInit,
		startTime:         time.Now(),
		transferDirectory: transferDirectory,
	}
}

// Snapshot is a point-in-time, race-free copy of SessionState for observers.
type Snapshot struct {
	Protocol          string
	Flavor            Flavor
	YFlavor           YFlavor
	Files             []FileInfo
	CurrentFile       int
	State             State
	BytesTotal        int64
	BytesTransferred  int64
	BlocksTransferred int
	StartTime         time.Time
	EndTime           time.Time
	CancelFlag        int
	ConsecutiveErrors int
	Messages          []Message
	TransferDirectory string
}

// Snapshot returns a consistent copy of the session for an observer. The
// session-wide byte/block counters are updated by the engines at each block;
// a FileInfo's BytesTransferred and BlocksTransferred are advanced only
// through fileWriter.addBytes, which the engines do not call, so they stay
// at zero during an engine-driven transfer.
func (ss *SessionState) Snapshot() Snapshot {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	files := make([]FileInfo, len(ss.files))
	for i, fi := range ss.files {
		files[i] = *fi
	}
	msgs := make([]Message, len(ss.messages))
	copy(msgs, ss.messages)

	return Snapshot{
		Protocol:          ss.Protocol,
		Flavor:            ss.Flavor,
		YFlavor:           ss.YFlavor,
		Files:             files,
		CurrentFile:       ss.currentFile,
		State:             ss.state,
		BytesTotal:        ss.bytesTotal,
		BytesTransferred:  ss.bytesTransferred,
		BlocksTransferred: ss.blocksTransferred,
		StartTime:         ss.startTime,
		EndTime:           ss.endTime,
		CancelFlag:        ss.cancelFlag,
		ConsecutiveErrors: ss.consecutiveErrors,
		Messages:          msgs,
		TransferDirectory: ss.transferDirectory,
	}
}

// CancelTransfer requests that the running engine abort at the next block
// boundary. It sets the cancel flag to the value double-CAN detection uses
// (>=2); it records no message. The keepPartial choice is held by
// XmodemEngine.CancelTransfer, not by the session.
func (ss *SessionState) CancelTransfer() {
	ss.mu.Lock()
	ss.cancelFlag = 2
	ss.mu.Unlock()
}

// CancelFlag returns the current cancel counter (>=2 means abort).
func (ss *SessionState) CancelFlag() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.cancelFlag
}

// --- engine-only mutators below; not part of the observer-facing API ---

func (ss *SessionState) setState(s State) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.state.terminal() {
		return // monotone: no transitions out of a terminal state
	}
	ss.state = s
	if s.terminal() {
		ss.endTime = time.Now()
	}
}

func (ss *SessionState) addMessage(kind MessageKind, text string) {
	ss.mu.Lock()
	ss.messages = append(ss.messages, Message{Kind: kind, Text: text})
	ss.mu.Unlock()
}

func (ss *SessionState) incConsecutiveErrors() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.consecutiveErrors++
	return ss.consecutiveErrors
}

func (ss *SessionState) resetConsecutiveErrors() {
	ss.mu.Lock()
	ss.consecutiveErrors = 0
	ss.mu.Unlock()
}

func (ss *SessionState) setBytesTotal(n int64) {
	ss.mu.Lock()
	ss.bytesTotal = n
	ss.mu.Unlock()
}

// addFile appends a new FileInfo, makes it current, and returns a fileWriter
// — the only handle through which its fields may be mutated.
func (ss *SessionState) addFile(fi *FileInfo) *fileWriter {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.files = append(ss.files, fi)
	ss.currentFile = len(ss.files) - 1
	return &fileWriter{ss: ss, fi: fi}
}

// fileWriter is the narrow modifier object for one FileInfo, under the
// session mutex. The engines use it to mark a file complete or sealed; its
// addBytes (which advances the FileInfo and the session's rollup counters
// together) is not called by the engines' block loops, which update the
// session counters directly. No other component holds a fileWriter.
type fileWriter struct {
	ss *SessionState
	fi *FileInfo
}

func (fw *fileWriter) addBytes(n int) {
	fw.ss.mu.Lock()
	defer fw.ss.mu.Unlock()
	fw.fi.BytesTransferred += int64(n)
	fw.fi.BlocksTransferred++
	fw.ss.bytesTransferred += int64(n)
	fw.ss.blocksTransferred++
	fw.ss.lastBlockTime = time.Now()
}

func (fw *fileWriter) incErrors() {
	fw.ss.mu.Lock()
	fw.fi.Errors++
	fw.ss.mu.Unlock()
}

func (fw *fileWriter) complete() {
	fw.ss.mu.Lock()
	fw.fi.Complete = true
	fw.fi.EndTime = time.Now()
	fw.ss.mu.Unlock()
}

func (fw *fileWriter) seal() {
	fw.ss.mu.Lock()
	if fw.fi.EndTime.IsZero() {
		fw.fi.EndTime = time.Now()
	}
	fw.ss.mu.Unlock()
}
