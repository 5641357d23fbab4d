package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumFile is the manifest written next to the config by Lock and read
// back by Verify.
const ChecksumFile = ".checksums"

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actual, err := ComputeHash(filePath)
	if err != nil {
		return fmt.Errorf("compute hash: %w", err)
	}
	if actual != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actual)
	}
	return nil
}

// Lock writes the checksum manifest for the given files into dir. It is the
// "authorize current state" step; Verify refuses configs edited afterwards.
func Lock(dir string, files []string) error {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		h, err := ComputeHash(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("hash %s: %w", f, err)
		}
		lines = append(lines, fmt.Sprintf("%s  %s", h, f))
	}
	sort.Strings(lines)

	manifest := strings.Join(lines, "\n") + "\n"
	path := filepath.Join(dir, ChecksumFile)
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ChecksumFile, err)
	}
	return nil
}

// Verify checks every file listed in the checksum manifest. A missing
// manifest is not an error; an edited file is.
func Verify(dir string) error {
	path := filepath.Join(dir, ChecksumFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", ChecksumFile, err)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed checksum line: %q", line)
		}
		if err := VerifyFileHash(filepath.Join(dir, parts[1]), parts[0]); err != nil {
			return err
		}
	}
	return nil
}
