package spooler

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MoveFileToDir moves srcPath into dstDir and returns the new path. An
// existing file of the same name is never overwritten.
func MoveFileToDir(srcPath string, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("dstDir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	dstPath := freeName(dstDir, filepath.Base(srcPath))

	// Try fast rename first.
	if err := os.Rename(srcPath, dstPath); err == nil {
		return dstPath, nil
	}

	// Fallback: copy + remove (handles cross-device moves).
	in, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := writeExclusive(dstPath, in); err != nil {
		return "", err
	}
	if err := os.Remove(srcPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

// WriteFileToDir stores content under dstDir as name, with the same
// collision handling as MoveFileToDir.
func WriteFileToDir(name string, content []byte, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("dstDir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "submission"
	}
	dstPath := freeName(dstDir, base)
	if err := writeExclusive(dstPath, bytes.NewReader(content)); err != nil {
		return "", err
	}
	return dstPath, nil
}

func freeName(dir, base string) string {
	dstPath := filepath.Join(dir, base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dstPath = filepath.Join(dir, fmt.Sprintf("%s-%d%s", name, time.Now().UnixNano(), ext))
	}
	return dstPath
}

func writeExclusive(dstPath string, r io.Reader) error {
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dstPath)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dstPath)
		return closeErr
	}
	return nil
}
