// Package verify confirms that an uploaded file matches its local source.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"remote-mirror/internal/config"
	"remote-mirror/internal/fs"
	"remote-mirror/internal/metrics"
)

var (
	ErrSizeMismatch = errors.New("size mismatch")
	ErrHashMismatch = errors.New("hash mismatch")
)

// MismatchError reports that the remote copy differs from the local file.
// It unwraps to ErrSizeMismatch or ErrHashMismatch.
type MismatchError struct {
	Kind   error
	Path   string
	Local  string
	Remote string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v for %s: local %s, remote %s", e.Kind, e.Path, e.Local, e.Remote)
}

func (e *MismatchError) Unwrap() error {
	return e.Kind
}

// Remote hashing commands, preferred first. %s is the shell-quoted path.
var remoteHashCommands = []string{
	"sha256sum -- %s",
	"shasum -a 256 %s",
}

var digestPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

type Result struct {
	Size     int64             `json:"size"`
	Digest   string            `json:"digest"`
	Strategy config.VerifyMode `json:"strategy"`
	FellBack bool              `json:"fellBack,omitempty"`
}

type Verifier struct {
	session fs.Session
	local   afero.Fs
	mode    config.VerifyMode
	log     *logrus.Entry
}

func New(session fs.Session, local afero.Fs, mode config.VerifyMode, log *logrus.Entry) *Verifier {
	if mode == "" {
		mode = config.VerifyRemoteExec
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Verifier{session: session, local: local, mode: mode, log: log}
}

// VerifyUpload compares remotePath with localPath: size first, then a
// SHA-256 digest obtained with the configured strategy. Remote-exec
// failures fall back to downloading the file; a mismatch never does.
func (v *Verifier) VerifyUpload(localPath, remotePath string) (*Result, error) {
	result, err := v.verify(localPath, remotePath)
	if result != nil {
		metrics.RecordVerify(string(result.Strategy), err == nil, result.FellBack)
	}
	return result, err
}

func (v *Verifier) verify(localPath, remotePath string) (*Result, error) {
	localInfo, err := v.local.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat local file: %w", err)
	}
	remoteInfo, err := v.session.Stat(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat remote file: %w", err)
	}

	result := &Result{Size: localInfo.Size(), Strategy: v.mode}
	if localInfo.Size() != remoteInfo.Size() {
		return result, &MismatchError{
			Kind:   ErrSizeMismatch,
			Path:   remotePath,
			Local:  strconv.FormatInt(localInfo.Size(), 10),
			Remote: strconv.FormatInt(remoteInfo.Size(), 10),
		}
	}

	localDigest, err := v.localDigest(localPath)
	if err != nil {
		return nil, err
	}
	result.Digest = localDigest

	if v.mode == config.VerifyRemoteExec {
		remoteDigest, err := v.remoteExecDigest(remotePath)
		if err == nil {
			if !strings.EqualFold(remoteDigest, localDigest) {
				return result, &MismatchError{Kind: ErrHashMismatch, Path: remotePath, Local: localDigest, Remote: remoteDigest}
			}
			return result, nil
		}

		v.log.WithError(err).Debugf("Verify: Remote hashing unavailable for %s, downloading", remotePath)
		result.Strategy = config.VerifyDownload
		result.FellBack = true
	}

	return result, v.downloadAndCompare(remotePath, localDigest)
}

func (v *Verifier) localDigest(localPath string) (string, error) {
	file, err := v.local.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash local file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (v *Verifier) remoteExecDigest(remotePath string) (string, error) {
	var errs []error
	for _, command := range remoteHashCommands {
		output, err := v.session.Exec(fmt.Sprintf(command, shellQuote(remotePath)))
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, fs.ErrExecUnsupported) {
				break
			}
			continue
		}
		digest, err := parseDigest(output)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return digest, nil
	}
	return "", errors.Join(errs...)
}

func (v *Verifier) downloadAndCompare(remotePath, localDigest string) error {
	stream, err := v.session.ReadStream(remotePath)
	if err != nil {
		return fmt.Errorf("failed to read back remote file: %w", err)
	}
	defer stream.Close()

	_, err = io.Copy(io.Discard, newHashVerifier(stream, remotePath, localDigest))
	var mismatch *MismatchError
	if err != nil && !errors.As(err, &mismatch) {
		return fmt.Errorf("failed to read back remote file: %w", err)
	}
	return err
}

// parseDigest extracts the hex digest from "<digest>  <path>" output.
func parseDigest(output []byte) (string, error) {
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return "", errors.New("empty hash output")
	}
	// GNU coreutils prefixes the line with a backslash for escaped names.
	digest := strings.TrimPrefix(fields[0], "\\")
	if !digestPattern.MatchString(digest) {
		return "", fmt.Errorf("unparsable hash output: %q", strings.TrimSpace(string(output)))
	}
	return strings.ToLower(digest), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
