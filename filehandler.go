package xymodem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/diescalo/xymodem/localfs"
)

// ErrSkip is returned by FileHandler.AcceptFile to decline one file in a
// batch without aborting the whole transfer.
var ErrSkip = errors.New("xymodem: skip file")

// FileOffer describes one file a sender offers, sized and timestamped up
// front so YmodemEngine can build its block-0 envelope before any data is
// read.
type FileOffer struct {
	Name    string
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
	Reader  io.Reader
}

// FileHandler is the application callback interface driving a batch
// transfer. A YmodemEngine calls it once per file; a plain XmodemEngine
// transfer has no use for it (it moves exactly one stream).
type FileHandler interface {
	// NextFile returns the next file to send, or a nil offer to end the
	// batch. Returning (nil, nil) is the normal end-of-batch signal.
	NextFile() (*FileOffer, error)

	// AcceptFile decides whether to accept an incoming file described by
	// info. Return (nil, ErrSkip) to discard this file's data and move to
	// the next. On a clean finish the returned writer's Close is called; on
	// an aborted transfer (timeout, retry budget exhausted, controller
	// cancel) with keepPartial == false, Discard is called instead if the
	// writer implements discardableWriteCloser, so a half-written
	// destination file doesn't survive the abort.
	//
	// SECURITY: info.RemoteFilename comes from the wire. The default
	// DirectoryFileHandler sanitizes it with filepath.Base before joining it
	// to a destination directory; a caller implementing FileHandler directly
	// must do the same before using it as a path.
	AcceptFile(info FileInfo) (io.WriteCloser, error)

	// FileProgress reports progress on a file's transfer. Neither engine
	// calls it; progress is observable through SessionState.Snapshot.
	FileProgress(info FileInfo, bytesTransferred int64)

	// FileCompleted is called once per file whose body transfer was run,
	// with that transfer's error (nil on success, ErrSkip for a skipped
	// file). A batch that aborts before a file's body starts (AcceptFile
	// error, block-0 or handshake failure) does not call it for that file.
	FileCompleted(info FileInfo, bytesTransferred int64, err error)
}

// DirectoryFileHandler is the default FileHandler: it sends Config.UploadFiles
// in order and receives into Config.TransferDirectory, refusing to overwrite
// an existing file unless Config.Overwrite is set.
type DirectoryFileHandler struct {
	cfg     Config
	session *SessionState
	next    int
}

// NewDirectoryFileHandler builds a handler over cfg's UploadFiles and
// TransferDirectory. session, if non-nil, receives progress messages.
func NewDirectoryFileHandler(cfg Config, session *SessionState) *DirectoryFileHandler {
	return &DirectoryFileHandler{cfg: cfg, session: session}
}

func (h *DirectoryFileHandler) NextFile() (*FileOffer, error) {
	for h.next < len(h.cfg.UploadFiles) {
		path := h.cfg.UploadFiles[h.next]
		h.next++

		lf := localfs.Open(path)
		size, err := lf.Size()
		if err != nil {
			if h.session != nil {
				h.session.addMessage(MsgWarn, fmt.Sprintf("skipping %s: %v", path, err))
			}
			continue
		}
		modTime, _ := lf.ModTime()
		mode, _ := lf.Mode()
		rc, err := lf.OpenForRead()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileOpenFailure, err)
		}
		return &FileOffer{
			Name:    lf.Name(),
			Size:    size,
			ModTime: modTime,
			Mode:    mode,
			Reader:  rc,
		}, nil
	}
	return nil, nil
}

func (h *DirectoryFileHandler) AcceptFile(info FileInfo) (io.WriteCloser, error) {
	name := filepath.Base(info.RemoteFilename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, ErrBlock0ParseFailure
	}
	dest := filepath.Join(h.cfg.TransferDirectory, name)

	if !h.cfg.Overwrite && localfs.Exists(dest) {
		return nil, ErrOverwriteRefused
	}

	lf := localfs.Open(dest)
	w, err := lf.OpenForWrite(true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOpenFailure, err)
	}
	return &modTimeClosingWriter{w: w, lf: lf, modTime: info.ModTime, mode: info.Mode}, nil
}

func (h *DirectoryFileHandler) FileProgress(info FileInfo, bytesTransferred int64) {
	if h.session != nil {
		h.session.addMessage(MsgInfo, fmt.Sprintf("%s: %d/%d bytes", info.RemoteFilename, bytesTransferred, info.Size))
	}
}

func (h *DirectoryFileHandler) FileCompleted(info FileInfo, bytesTransferred int64, err error) {
	if h.session == nil {
		return
	}
	if err != nil {
		h.session.addMessage(MsgError, fmt.Sprintf("%s: %v", info.RemoteFilename, err))
		return
	}
	h.session.addMessage(MsgInfo, fmt.Sprintf("%s: %d bytes received", info.RemoteFilename, bytesTransferred))
}

// discardableWriteCloser lets a FileHandler's writer remove a partially
// written destination after an aborted transfer, per spec.md §5's "current
// output file is deleted at teardown" requirement when keepPartial is false.
type discardableWriteCloser interface {
	io.WriteCloser
	Discard() error
}

// modTimeClosingWriter applies the sender's declared modtime and mode once
// the file is fully written, mirroring the teacher's pattern of finishing
// metadata application at Close rather than at open.
type modTimeClosingWriter struct {
	w       io.WriteCloser
	lf      localfs.LocalFile
	modTime time.Time
	mode    os.FileMode
}

func (m *modTimeClosingWriter) Write(p []byte) (int, error) {
	return m.w.Write(p)
}

func (m *modTimeClosingWriter) Close() error {
	if err := m.w.Close(); err != nil {
		return err
	}
	if !m.modTime.IsZero() {
		_ = m.lf.SetModTime(m.modTime)
	}
	if m.mode != 0 {
		_ = m.lf.SetMode(m.mode)
	}
	return nil
}

// Discard closes the underlying file without applying metadata and removes
// it from disk, for an aborted receive that isn't keeping the partial file.
func (m *modTimeClosingWriter) Discard() error {
	_ = m.w.Close()
	return m.lf.Delete()
}
