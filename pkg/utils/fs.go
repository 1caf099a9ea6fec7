package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// WriteResult describes a file persisted by WriteFile.
type WriteResult struct {
	Path   string
	Bytes  int64
	SHA256 string
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &WriteError{Path: dir, Err: err}
	}
	return nil
}

// WriteFile streams r into path, creating missing parent directories.
// Content goes to a temporary sibling first and is renamed into place, so an
// interrupted write never leaves a truncated file at path.
func WriteFile(path string, r io.Reader) (WriteResult, error) {
	result := WriteResult{Path: path}
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return result, err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return result, &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if err != nil {
		return result, &WriteError{Path: path, Err: fmt.Errorf("copy content: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return result, &WriteError{Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return result, &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return result, &WriteError{Path: path, Err: err}
	}
	committed = true

	result.Bytes = n
	result.SHA256 = hex.EncodeToString(hash.Sum(nil))
	return result, nil
}

// WriteText writes text to path, creating missing parent directories.
func WriteText(path, text string) (WriteResult, error) {
	return WriteFile(path, strings.NewReader(text))
}
