package fs

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ssh_FX_OP_UNSUPPORTED
const sftpOpUnsupported = 8

type SftpConfig struct {
	Host                string
	Port                int
	User                string
	Password            string
	PrivateKeyPath      string
	ExpectedFingerprint string
}

type sftpFs struct {
	client *sftp.Client
	conn   *ssh.Client
	addr   string
	config *ssh.ClientConfig
	mu     sync.RWMutex
}

func NewSftpSession(cfg SftpConfig) (Session, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.ExpectedFingerprint != "" {
		hostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostFingerprint := keyToFingerprint(key)
			if !strings.EqualFold(cfg.ExpectedFingerprint, hostFingerprint) {
				return fmt.Errorf("SFTP: Host key fingerprint mismatch. Expected '%s', got '%s'", cfg.ExpectedFingerprint, hostFingerprint)
			}

			log.Debugf("SFTP: Host key fingerprint: %s.", hostFingerprint)
			return nil
		}
	} else {
		log.Warnf("SFTP: No host key fingerprint configured for %s, accepting any host key", cfg.Host)
	}

	fs := &sftpFs{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         5 * time.Second,
		},
	}

	if err := fs.connect(); err != nil {
		return nil, err
	}

	return fs, nil
}

func keyToFingerprint(key ssh.PublicKey) string {
	hash := sha256.Sum256(key.Marshal())
	hexBytes := make([]string, len(hash))
	for i, b := range hash {
		hexBytes[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(hexBytes, ":")
}

func (fs *sftpFs) connect() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	conn, err := ssh.Dial("tcp", fs.addr, fs.config)
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return err
	}

	fs.client = client
	fs.conn = conn
	log.Infof("SFTP: Connected to %s.", fs.addr)
	return nil
}

func (fs *sftpFs) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.client != nil {
		fs.client.Close()
		fs.client = nil
	}
	if fs.conn != nil {
		fs.conn.Close()
		fs.conn = nil
	}
	return nil
}

func (fs *sftpFs) sftpClient() (*sftp.Client, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.client == nil {
		return nil, fmt.Errorf("sftp connection to %s is closed", fs.addr)
	}
	return fs.client, nil
}

func (fs *sftpFs) ReadDir(path string) ([]os.FileInfo, error) {
	client, err := fs.sftpClient()
	if err != nil {
		return nil, err
	}
	return client.ReadDir(path)
}

func (fs *sftpFs) Stat(path string) (os.FileInfo, error) {
	client, err := fs.sftpClient()
	if err != nil {
		return nil, err
	}
	return client.Stat(path)
}

func (fs *sftpFs) ReadStream(path string) (io.ReadCloser, error) {
	client, err := fs.sftpClient()
	if err != nil {
		return nil, err
	}
	return client.Open(path)
}

func (fs *sftpFs) WriteStream(path string, stream io.Reader, contentLength int64, progress ProgressFunc) error {
	client, err := fs.sftpClient()
	if err != nil {
		return err
	}

	file, err := client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}

	if _, err := io.Copy(file, withProgress(stream, progress)); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

// Rename publishes from onto to, replacing any existing file. The
// posix-rename extension is atomic; servers without it get remove+rename.
func (fs *sftpFs) Rename(from, to string) error {
	client, err := fs.sftpClient()
	if err != nil {
		return err
	}

	err = client.PosixRename(from, to)
	var statusErr *sftp.StatusError
	if err == nil || !errors.As(err, &statusErr) || statusErr.Code != sftpOpUnsupported {
		return err
	}

	if err := client.Remove(to); err != nil && !IsNotFound(err) {
		return err
	}
	return client.Rename(from, to)
}

func (fs *sftpFs) Mkdir(path string) error {
	client, err := fs.sftpClient()
	if err != nil {
		return err
	}
	return client.Mkdir(path)
}

func (fs *sftpFs) Remove(path string) error {
	client, err := fs.sftpClient()
	if err != nil {
		return err
	}
	return client.Remove(path)
}

func (fs *sftpFs) RemoveDir(path string) error {
	client, err := fs.sftpClient()
	if err != nil {
		return err
	}
	return client.RemoveDirectory(path)
}

func (fs *sftpFs) Exec(command string) ([]byte, error) {
	fs.mu.RLock()
	conn := fs.conn
	fs.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("ssh connection to %s is closed", fs.addr)
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	return session.Output(command)
}
