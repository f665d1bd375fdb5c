package fs

import (
	"crypto/tls"
	"io"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/studio-b12/gowebdav"
)

type webdavFs struct {
	client *gowebdav.Client
}

func NewWebDAVSession(webdavURL, webdavUser, webdavPassword string, webdavInsecure bool) (Session, error) {
	log.Debugf("WebDAV: URL: %s", webdavURL)
	log.Debugf("WebDAV: User: %s", webdavUser)

	client := gowebdav.NewClient(webdavURL, webdavUser, webdavPassword)

	if webdavInsecure {
		log.Warn("WebDAV: Allowing self-signed certificates")
		client.SetTransport(&http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		})
	}

	if err := client.Connect(); err != nil {
		return nil, err
	}
	log.Infof("WebDAV: Connected to %s", webdavURL)

	return &webdavFs{client: client}, nil
}

func (fs *webdavFs) Close() error {
	return nil
}

func (fs *webdavFs) ReadDir(path string) ([]os.FileInfo, error) {
	return fs.client.ReadDir(path)
}

func (fs *webdavFs) Stat(path string) (os.FileInfo, error) {
	return fs.client.Stat(path)
}

func (fs *webdavFs) ReadStream(path string) (io.ReadCloser, error) {
	return fs.client.ReadStream(path)
}

func (fs *webdavFs) WriteStream(path string, stream io.Reader, contentLength int64, progress ProgressFunc) error {
	return fs.client.WriteStreamWithLength(path, withProgress(stream, progress), contentLength, 0644)
}

func (fs *webdavFs) Rename(from, to string) error {
	return fs.client.Rename(from, to, true)
}

func (fs *webdavFs) Mkdir(path string) error {
	return fs.client.Mkdir(path, 0755)
}

func (fs *webdavFs) Remove(path string) error {
	return fs.client.Remove(path)
}

func (fs *webdavFs) RemoveDir(path string) error {
	return fs.client.Remove(path)
}

func (fs *webdavFs) Exec(command string) ([]byte, error) {
	return nil, ErrExecUnsupported
}
