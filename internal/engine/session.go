package engine

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"remote-mirror/internal/fs"
)

// lazySession dials on first use. A connection-class failure drops the
// session so that the next call dials again; the failed call itself is
// not retried.
type lazySession struct {
	dial func() (fs.Session, error)
	log  *logrus.Entry

	mu      sync.Mutex
	current fs.Session
}

func newLazySession(dial func() (fs.Session, error), log *logrus.Entry) *lazySession {
	return &lazySession{dial: dial, log: log}
}

func (s *lazySession) get() (fs.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current, nil
	}
	session, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s.current = session
	return session, nil
}

func (s *lazySession) check(session fs.Session, err error) error {
	if !fs.IsConnectionError(err) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == session {
		s.current = nil
		s.log.WithError(err).Warn("Session: Connection lost, reconnecting on next use")
		if closeErr := session.Close(); closeErr != nil {
			s.log.WithError(closeErr).Debug("Session: Close after failure")
		}
	}
	return err
}

func (s *lazySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}

func (s *lazySession) ReadDir(path string) ([]os.FileInfo, error) {
	session, err := s.get()
	if err != nil {
		return nil, err
	}
	infos, err := session.ReadDir(path)
	return infos, s.check(session, err)
}

func (s *lazySession) Stat(path string) (os.FileInfo, error) {
	session, err := s.get()
	if err != nil {
		return nil, err
	}
	info, err := session.Stat(path)
	return info, s.check(session, err)
}

func (s *lazySession) ReadStream(path string) (io.ReadCloser, error) {
	session, err := s.get()
	if err != nil {
		return nil, err
	}
	reader, err := session.ReadStream(path)
	return reader, s.check(session, err)
}

func (s *lazySession) WriteStream(path string, stream io.Reader, contentLength int64, progress fs.ProgressFunc) error {
	session, err := s.get()
	if err != nil {
		return err
	}
	return s.check(session, session.WriteStream(path, stream, contentLength, progress))
}

func (s *lazySession) Rename(from, to string) error {
	session, err := s.get()
	if err != nil {
		return err
	}
	return s.check(session, session.Rename(from, to))
}

func (s *lazySession) Mkdir(path string) error {
	session, err := s.get()
	if err != nil {
		return err
	}
	return s.check(session, session.Mkdir(path))
}

func (s *lazySession) Remove(path string) error {
	session, err := s.get()
	if err != nil {
		return err
	}
	return s.check(session, session.Remove(path))
}

func (s *lazySession) RemoveDir(path string) error {
	session, err := s.get()
	if err != nil {
		return err
	}
	return s.check(session, session.RemoveDir(path))
}

func (s *lazySession) Exec(command string) ([]byte, error) {
	session, err := s.get()
	if err != nil {
		return nil, err
	}
	out, err := session.Exec(command)
	return out, s.check(session, err)
}
