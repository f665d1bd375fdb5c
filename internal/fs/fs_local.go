package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type localFs struct {
	rootPath string
}

// NewLocalSession serves a local directory as if it were a remote tree.
// Remote paths are resolved beneath rootPath.
func NewLocalSession(rootPath string) (Session, error) {
	absPath, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, err
	}

	return &localFs{
		rootPath: absPath,
	}, nil
}

func (fs *localFs) Close() error {
	return nil
}

func (fs *localFs) getFullPath(path string) (string, error) {
	fullPath := filepath.Join(fs.rootPath, filepath.FromSlash(CleanRemote(path)))

	// Check that the resolved path is still within rootPath
	rel, err := filepath.Rel(fs.rootPath, fullPath)
	if err != nil {
		return "", err
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root directory: %s", path)
	}

	return fullPath, nil
}

func (fs *localFs) ReadDir(path string) ([]os.FileInfo, error) {
	fullPath, err := fs.getFullPath(path)
	if err != nil {
		return nil, err
	}
	dirInfos, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, err
	}
	var fileInfos []os.FileInfo
	for _, dirInfo := range dirInfos {
		fileInfo, err := dirInfo.Info()
		if err != nil {
			return nil, err
		}
		fileInfos = append(fileInfos, fileInfo)
	}
	return fileInfos, nil
}

func (fs *localFs) Stat(path string) (os.FileInfo, error) {
	fullPath, err := fs.getFullPath(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(fullPath)
}

func (fs *localFs) ReadStream(path string) (io.ReadCloser, error) {
	fullPath, err := fs.getFullPath(path)
	if err != nil {
		return nil, err
	}
	return os.Open(fullPath)
}

func (fs *localFs) WriteStream(path string, stream io.Reader, contentLength int64, progress ProgressFunc) error {
	fullPath, err := fs.getFullPath(path)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(file, withProgress(stream, progress)); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

func (fs *localFs) Rename(from, to string) error {
	fromPath, err := fs.getFullPath(from)
	if err != nil {
		return err
	}
	toPath, err := fs.getFullPath(to)
	if err != nil {
		return err
	}
	return os.Rename(fromPath, toPath)
}

func (fs *localFs) Mkdir(path string) error {
	fullPath, err := fs.getFullPath(path)
	if err != nil {
		return err
	}
	return os.Mkdir(fullPath, 0755)
}

func (fs *localFs) Remove(path string) error {
	fullPath, err := fs.getFullPath(path)
	if err != nil {
		return err
	}
	return os.Remove(fullPath)
}

func (fs *localFs) RemoveDir(path string) error {
	return fs.Remove(path)
}

func (fs *localFs) Exec(command string) ([]byte, error) {
	return nil, ErrExecUnsupported
}
