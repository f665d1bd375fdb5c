package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// hashVerifier hashes everything read through it and compares the digest
// with expectedHex once the underlying reader reports EOF.
type hashVerifier struct {
	reader      io.Reader
	expectedHex string
	hasher      hash.Hash
	path        string
}

func newHashVerifier(reader io.Reader, path, expectedHex string) io.Reader {
	hasher := sha256.New()
	return &hashVerifier{
		reader:      io.TeeReader(reader, hasher),
		expectedHex: expectedHex,
		hasher:      hasher,
		path:        path,
	}
}

func (s *hashVerifier) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)

	// If we hit EOF, verify the hash before returning
	if err == io.EOF {
		actualHash := hex.EncodeToString(s.hasher.Sum(nil))
		if actualHash != s.expectedHex {
			return n, &MismatchError{Kind: ErrHashMismatch, Path: s.path, Local: s.expectedHex, Remote: actualHash}
		}
	}

	return n, err
}
