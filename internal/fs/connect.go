package fs

import (
	"fmt"
	"strings"

	"remote-mirror/internal/config"
)

// Connect opens a session for the given credentials.
func Connect(creds config.Credentials) (Session, error) {
	switch creds.Scheme {
	case "", "sftp":
		return NewSftpSession(SftpConfig{
			Host:                creds.Host,
			Port:                creds.Port,
			User:                creds.User,
			Password:            creds.Password,
			PrivateKeyPath:      creds.PrivateKey,
			ExpectedFingerprint: creds.HostFingerprint,
		})
	case "webdav":
		return NewWebDAVSession(creds.URL, creds.User, creds.Password, creds.Insecure)
	case "local":
		// For local sessions the url is the directory that plays the role of "/".
		base := strings.TrimPrefix(creds.URL, "file://")
		if base == "" {
			base = "/"
		}
		return NewLocalSession(base)
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", creds.Scheme)
	}
}
