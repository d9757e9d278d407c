// Package localfs supplies the filesystem capability xymodem's default file
// handler builds on: an os-backed LocalFile with the narrow set of
// operations a transfer engine needs (open for read/write, stat fields,
// delete, a text/binary heuristic for callers that care).
package localfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"
)

// LocalFile is the filesystem capability a FileHandler needs for one path.
// It is deliberately narrower than os.File: callers never need Seek, Sync,
// or Fd to drive a transfer.
type LocalFile interface {
	Name() string
	Size() (int64, error)
	ModTime() (time.Time, error)
	SetModTime(t time.Time) error
	Mode() (os.FileMode, error)
	SetMode(m os.FileMode) error
	IsText() (bool, error)
	OpenForRead() (io.ReadCloser, error)
	// OpenForWrite opens the file for writing. truncate selects
	// create-or-replace; when false, the file is opened for append (used to
	// resume a partial receive is a Non-goal here, but append keeps the
	// option open for a caller that re-opens after a recorded offset).
	OpenForWrite(truncate bool) (io.WriteCloser, error)
	Delete() error
}

// osFile is the default LocalFile, backed directly by the os package.
type osFile struct {
	path string
}

// Open returns a LocalFile for an existing or not-yet-created path. It does
// not itself touch the filesystem; Size/ModTime/Mode stat lazily.
func Open(path string) LocalFile {
	return osFile{path: path}
}

func (f osFile) Name() string {
	return filepath.Base(f.path)
}

func (f osFile) Size() (int64, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f osFile) ModTime() (time.Time, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func (f osFile) SetModTime(t time.Time) error {
	return os.Chtimes(f.path, t, t)
}

func (f osFile) Mode() (os.FileMode, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return fi.Mode(), nil
}

func (f osFile) SetMode(m os.FileMode) error {
	return os.Chmod(f.path, m)
}

// textSniffLen is how many leading bytes IsText inspects. Matches the
// classic "does the head contain a NUL" heuristic used by lrzsz and most
// XMODEM/YMODEM implementations to decide whether to apply text translation.
const textSniffLen = 512

// IsText reports whether the file's leading bytes look like text: no NUL
// bytes in the first textSniffLen bytes. A missing or empty file reads as
// text.
func (f osFile) IsText() (bool, error) {
	r, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	defer r.Close()

	buf := make([]byte, textSniffLen)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return !bytes.ContainsRune(buf[:n], 0), nil
}

func (f osFile) OpenForRead() (io.ReadCloser, error) {
	return os.Open(f.path)
}

func (f osFile) OpenForWrite(truncate bool) (io.WriteCloser, error) {
	flag := os.O_WRONLY | os.O_CREATE
	if truncate {
		flag |= os.O_TRUNC
	} else {
		flag |= os.O_APPEND
	}
	return os.OpenFile(f.path, flag, 0o644)
}

func (f osFile) Delete() error {
	return os.Remove(f.path)
}

// Exists reports whether path currently exists, for the receiver's
// overwrite check.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
