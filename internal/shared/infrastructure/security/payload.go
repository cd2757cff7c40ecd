// Package security validates operator-supplied files before they are read.
package security

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPayloadTooLarge is returned when a file exceeds the read limit.
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

// forbidden holds shell metacharacters never valid in a payload path.
var forbidden = []string{";", "&", "|", "$", "`", "(", ")", "{", "}", "<", ">", "!", "\n", "\r"}

// ValidatePath cleans path, makes it absolute and resolves symlinks.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}
	for _, ch := range forbidden {
		if strings.Contains(path, ch) {
			return "", fmt.Errorf("path %q contains forbidden character %q", path, ch)
		}
	}

	clean, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return clean, nil
		}
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return resolved, nil
}

// ReadPayload reads a regular file of at most limit bytes after validating
// its path.
func ReadPayload(path string, limit int64) ([]byte, error) {
	clean, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - path is validated above
	f, err := os.Open(clean)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", clean)
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w (%d bytes)", clean, ErrPayloadTooLarge, limit)
	}
	return data, nil
}
