package helpers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetOrCreateRandomSecret returns the secret stored in file, creating a
// random hex secret of length bytes when the file does not exist yet.
func GetOrCreateRandomSecret(file string, length int) (string, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return "", err
	}

	if data, err := os.ReadFile(file); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	}

	secret, err := generateRandomKey(length)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(file, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("failed to write secret file: %w", err)
	}

	return secret, nil
}

func generateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
