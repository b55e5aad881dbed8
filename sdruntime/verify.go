package sdruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// VerifyModelFile checks that path is a non-empty regular file. When a
// "<path>.sha256" sidecar exists, its first field must match the file's
// SHA-256.
func VerifyModelFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty or not a file", ErrModelCorrupted, path)
	}

	sidecar, err := os.ReadFile(path + ".sha256")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checksum: %w", err)
	}
	fields := strings.Fields(string(sidecar))
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty checksum file for %s", ErrModelCorrupted, path)
	}

	actual, err := CalculateChecksum(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, fields[0]) {
		return fmt.Errorf("%w: expected %s, got %s", ErrModelCorrupted, fields[0], actual)
	}
	return nil
}

// CalculateChecksum streams path through SHA-256 and returns lowercase hex.
func CalculateChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return "", fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash model: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
