package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AtomicWriter handles atomic file operations using temp file + rename
type AtomicWriter struct {
	targetPath string
	tempPath   string
	tempFile   *os.File
}

// NewAtomicWriter creates a new atomic writer for the target path
func NewAtomicWriter(targetPath string) (*AtomicWriter, error) {
	dir := filepath.Dir(targetPath)
	base := filepath.Base(targetPath)

	cleanDir := filepath.Clean(dir)
	if cleanDir != dir {
		return nil, fmt.Errorf("invalid directory path: potential directory traversal detected")
	}
	if strings.Contains(base, "..") || strings.ContainsRune(base, filepath.Separator) {
		return nil, fmt.Errorf("invalid filename: %s", base)
	}

	// Temp file lives next to the target so the rename stays on one filesystem.
	tempPath := filepath.Join(cleanDir, fmt.Sprintf(".%s.tmp.%d.%d", base, os.Getpid(), time.Now().UnixNano()))

	if err := os.MkdirAll(cleanDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile, err := os.OpenFile(filepath.Clean(tempPath), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	return &AtomicWriter{
		targetPath: targetPath,
		tempPath:   tempPath,
		tempFile:   tempFile,
	}, nil
}

// Write writes data to the temporary file
func (aw *AtomicWriter) Write(data []byte) (int, error) {
	if aw.tempFile == nil {
		return 0, fmt.Errorf("writer is closed")
	}
	n, err := aw.tempFile.Write(data)
	if err != nil {
		if abortErr := aw.Abort(); abortErr != nil {
			log.Warn().Err(abortErr).Msg("failed to abort after write error")
		}
	}
	return n, err
}

// Flush syncs and closes the temp file without renaming it. Commit must
// still be called to publish it.
func (aw *AtomicWriter) Flush() error {
	if aw.tempFile == nil {
		return nil
	}
	if err := aw.tempFile.Sync(); err != nil {
		if abortErr := aw.Abort(); abortErr != nil {
			log.Warn().Err(abortErr).Msg("failed to abort after sync error")
		}
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := aw.tempFile.Close(); err != nil {
		aw.tempFile = nil
		if abortErr := aw.Abort(); abortErr != nil {
			log.Warn().Err(abortErr).Msg("failed to abort after close error")
		}
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	aw.tempFile = nil
	return nil
}

// Commit finalizes the write by syncing and atomically renaming
func (aw *AtomicWriter) Commit() error {
	if aw.tempPath == "" {
		return fmt.Errorf("writer is closed")
	}
	if err := aw.Flush(); err != nil {
		return err
	}
	if err := os.Rename(aw.tempPath, aw.targetPath); err != nil {
		_ = os.Remove(aw.tempPath)
		aw.tempPath = ""
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	aw.tempPath = ""
	syncDir(filepath.Dir(aw.targetPath))
	return nil
}

// Abort cancels the write and cleans up the temporary file
func (aw *AtomicWriter) Abort() error {
	var err error

	if aw.tempFile != nil {
		if closeErr := aw.tempFile.Close(); closeErr != nil {
			err = closeErr
		}
		aw.tempFile = nil
	}
	if aw.tempPath == "" {
		return err
	}
	if removeErr := os.Remove(aw.tempPath); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = removeErr
	}
	aw.tempPath = ""
	return err
}

// AtomicWriteFile writes data to a file atomically with 0600 permissions.
func AtomicWriteFile(path string, data []byte) error {
	writer, err := NewAtomicWriter(path)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		return err
	}

	return writer.Commit()
}

// AtomicCopyFile copies src over dst atomically.
func AtomicCopyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer in.Close()

	writer, err := NewAtomicWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, in); err != nil {
		if abortErr := writer.Abort(); abortErr != nil {
			log.Warn().Err(abortErr).Msg("failed to abort atomic copy")
		}
		return err
	}
	return writer.Commit()
}

// EnsureFilePermissions ensures the file has secure permissions (0600)
func EnsureFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		return os.Chmod(path, 0o600)
	}

	return nil
}

func syncDir(dir string) {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
