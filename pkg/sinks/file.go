package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/genbatch/pkg/models"
)

// FileExporter writes each export to <dir>/<bank>/<timestamp>.json
type FileExporter struct {
	dir string
	now func() time.Time
}

// NewFileExporter creates an exporter rooted at dir
func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{dir: dir, now: time.Now}
}

// Export writes the results atomically
func (e *FileExporter) Export(ctx context.Context, bankID string, results []models.JobResult, tags []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := e.now().UTC()
	path := filepath.Join(e.dir, sanitize(bankID), now.Format("20060102T150405.000000000")+".json")
	return writeJSON(path, ExportMessage{
		BankID:     bankID,
		Tags:       tags,
		Results:    results,
		ExportedAt: now,
	})
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.', ' ':
			return '_'
		}
		return r
	}, name)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".genbatch-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
