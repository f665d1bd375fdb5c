package tests

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"

	"remote-mirror/internal/fs"
)

// FakeSession is an in-memory remote tree implementing fs.Session.
// Every call is counted per method and path, and failures or blocking
// hooks can be injected per path.
type FakeSession struct {
	tree afero.Fs

	mu       sync.Mutex
	calls    map[string]map[string]int
	failures map[string]map[string]error
	hooks    map[string]func(path string)
	exec     func(command string) ([]byte, error)
	closed   bool
}

func NewFakeSession() *FakeSession {
	return &FakeSession{
		tree:     afero.NewMemMapFs(),
		calls:    make(map[string]map[string]int),
		failures: make(map[string]map[string]error),
		hooks:    make(map[string]func(string)),
	}
}

// Tree exposes the backing filesystem for direct inspection.
func (s *FakeSession) Tree() afero.Fs {
	return s.tree
}

func (s *FakeSession) AddDir(dir string) {
	s.tree.MkdirAll(dir, 0755)
}

func (s *FakeSession) AddFile(filePath string, content []byte) {
	s.tree.MkdirAll(path.Dir(filePath), 0755)
	afero.WriteFile(s.tree, filePath, content, 0644)
}

func (s *FakeSession) ReadFile(filePath string) ([]byte, error) {
	return afero.ReadFile(s.tree, filePath)
}

func (s *FakeSession) Exists(filePath string) bool {
	_, err := s.tree.Stat(filePath)
	return err == nil
}

// Fail makes every call of method on filePath return err. A nil err clears it.
func (s *FakeSession) Fail(method, filePath string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures[method] == nil {
		s.failures[method] = make(map[string]error)
	}
	if err == nil {
		delete(s.failures[method], filePath)
		return
	}
	s.failures[method][filePath] = err
}

// Hook runs fn before every call of method. It may block.
func (s *FakeSession) Hook(method string, fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[method] = fn
}

// HandleExec installs the remote command handler. Without one Exec
// behaves like a server that cannot run commands.
func (s *FakeSession) HandleExec(fn func(command string) ([]byte, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = fn
}

// Calls returns how many times method was invoked for filePath.
func (s *FakeSession) Calls(method, filePath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method][filePath]
}

// TotalCalls returns how many times method was invoked for any path.
func (s *FakeSession) TotalCalls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.calls[method] {
		total += n
	}
	return total
}

func (s *FakeSession) enter(method, filePath string) error {
	s.mu.Lock()
	if s.calls[method] == nil {
		s.calls[method] = make(map[string]int)
	}
	s.calls[method][filePath]++
	hook := s.hooks[method]
	err := s.failures[method][filePath]
	closed := s.closed
	s.mu.Unlock()

	if hook != nil {
		hook(filePath)
	}
	if closed {
		return io.EOF
	}
	return err
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSession) ReadDir(dir string) ([]os.FileInfo, error) {
	if err := s.enter("ReadDir", dir); err != nil {
		return nil, err
	}
	return afero.ReadDir(s.tree, dir)
}

func (s *FakeSession) Stat(filePath string) (os.FileInfo, error) {
	if err := s.enter("Stat", filePath); err != nil {
		return nil, err
	}
	return s.tree.Stat(filePath)
}

func (s *FakeSession) ReadStream(filePath string) (io.ReadCloser, error) {
	if err := s.enter("ReadStream", filePath); err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(s.tree, filePath)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *FakeSession) WriteStream(filePath string, stream io.Reader, contentLength int64, progress fs.ProgressFunc) error {
	if err := s.enter("WriteStream", filePath); err != nil {
		return err
	}
	if _, err := s.tree.Stat(path.Dir(filePath)); err != nil {
		return err
	}

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if progress != nil {
				progress(int64(buf.Len()))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	return afero.WriteFile(s.tree, filePath, buf.Bytes(), 0644)
}

func (s *FakeSession) Rename(from, to string) error {
	if err := s.enter("Rename", to); err != nil {
		return err
	}
	return s.tree.Rename(from, to)
}

func (s *FakeSession) Mkdir(dir string) error {
	if err := s.enter("Mkdir", dir); err != nil {
		return err
	}
	if _, err := s.tree.Stat(dir); err == nil {
		return os.ErrExist
	}
	if _, err := s.tree.Stat(path.Dir(dir)); err != nil {
		return err
	}
	return s.tree.Mkdir(dir, 0755)
}

func (s *FakeSession) Remove(filePath string) error {
	if err := s.enter("Remove", filePath); err != nil {
		return err
	}
	info, err := s.tree.Stat(filePath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("remove: is a directory")
	}
	return s.tree.Remove(filePath)
}

func (s *FakeSession) RemoveDir(dir string) error {
	if err := s.enter("RemoveDir", dir); err != nil {
		return err
	}
	children, err := afero.ReadDir(s.tree, dir)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return errors.New("rmdir: directory not empty")
	}
	return s.tree.Remove(dir)
}

func (s *FakeSession) Exec(command string) ([]byte, error) {
	if err := s.enter("Exec", command); err != nil {
		return nil, err
	}

	s.mu.Lock()
	exec := s.exec
	s.mu.Unlock()

	if exec == nil {
		return nil, fs.ErrExecUnsupported
	}
	return exec(command)
}
