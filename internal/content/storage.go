// Package content stores finished media artifacts and hands back a locator
// that can be recorded on the owning row.
package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "newscast/pkg/logx"
)

// Storage persists a named artifact and returns its locator.
type Storage interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Disk keeps artifacts in a flat directory on local disk. The locator is the
// absolute file path.
type Disk struct {
	dir string
	log logx.Logger
}

func NewDisk(dir string, log logx.Logger) (*Disk, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("content: dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("content: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("content: create dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Disk{dir: abs, log: log}, nil
}

func (d *Disk) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = sanitizeName(name)
	if name == "" {
		return "", fmt.Errorf("content: empty artifact name")
	}
	path := filepath.Join(d.dir, name)

	// Write via temp file + rename so readers never see partial artifacts.
	tmp, err := os.CreateTemp(d.dir, "."+name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("content: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("content: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("content: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("content: rename: %w", err)
	}

	d.log.Debug("artifact stored", logx.String("name", name), logx.Int("bytes", len(data)))
	return path, nil
}

// sanitizeName strips path separators and parent references so artifacts
// cannot escape the storage directory.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = filepath.Base(name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
