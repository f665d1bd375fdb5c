package fs

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/studio-b12/gowebdav"
)

var (
	ErrExecUnsupported = errors.New("remote exec is not supported by this session")
	ErrOutsideRoot     = errors.New("path is outside of the synchronized root")
)

// ProgressFunc receives the cumulative number of bytes written so far.
type ProgressFunc func(sent int64)

// Session is a connected remote file tree. All paths are absolute and use
// forward slashes.
type Session interface {
	Close() error
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	ReadStream(path string) (io.ReadCloser, error)
	WriteStream(path string, stream io.Reader, contentLength int64, progress ProgressFunc) error
	Rename(from, to string) error
	Mkdir(path string) error
	Remove(path string) error
	RemoveDir(path string) error
	Exec(command string) ([]byte, error)
}

func IsNotFound(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) || gowebdav.IsErrNotFound(err)
}

// IsConnectionError reports whether err means the underlying transport is gone.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "network")
}

type progressReader struct {
	reader   io.Reader
	sent     int64
	progress ProgressFunc
}

func withProgress(reader io.Reader, progress ProgressFunc) io.Reader {
	if progress == nil {
		return reader
	}
	return &progressReader{reader: reader, progress: progress}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.progress(r.sent)
	}
	return n, err
}
