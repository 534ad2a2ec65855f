package scope

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateKey returns the sealing secret kept in the file at path. When
// the file does not exist a random 32-byte secret is written there with mode
// 0600. Concurrent callers agree on a single secret.
func LoadOrCreateKey(path string) ([]byte, error) {
	secret, err := readKey(path)
	if !errors.Is(err, fs.ErrNotExist) {
		return secret, err
	}

	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("scope: generate key: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".scope-key-*")
	if err != nil {
		return nil, fmt.Errorf("scope: create key file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.WriteString(hex.EncodeToString(secret) + "\n")
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, fmt.Errorf("scope: write key file: %w", werr)
	}

	// Link fails if another process created the file first; use theirs.
	if err := os.Link(tmp.Name(), path); err != nil {
		clear(secret)
		if errors.Is(err, fs.ErrExist) {
			return readKey(path)
		}
		return nil, fmt.Errorf("scope: install key file: %w", err)
	}
	return secret, nil
}

func readKey(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("scope: key file %s is accessible by other users (mode %04o)", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scope: read key file: %w", err)
	}
	defer clear(data)
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(secret) < minSecretLen {
		return nil, fmt.Errorf("scope: key file %s is malformed", path)
	}
	return secret, nil
}
