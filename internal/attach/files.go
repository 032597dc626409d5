// Package attach owns the on-disk attachment area: a temp zone for drafts in
// composition, a permanent per-user zone keyed by (email, key, index), and the
// per-user archive of raw message sources.
package attach

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Ext is appended to every stored attachment file.
const Ext = ".tmp"

const (
	dirTemp       = "temp"
	dirSource     = "source"
	dirAttachment = "attachment"
)

type Files struct {
	Root string
	Log  *slog.Logger
}

// safe reports whether a path segment from outside the process stays inside
// its directory. Keys, emails and tails all reach these builders straight from
// requests or stored manifests.
func safe(segment string) bool {
	if segment == "" {
		return false
	}
	return !strings.ContainsAny(segment, `/\`) && !strings.Contains(segment, "..")
}

// Temp is the staging path for a just-uploaded part, before it is assigned an
// index in a draft set.
func (f *Files) Temp(name string) string {
	if !safe(name) {
		return ""
	}
	return filepath.Join(f.Root, dirTemp, name)
}

// TempItem is the draft-set path for (key, index).
func (f *Files) TempItem(key string, ind int) string {
	if !safe(key) {
		return ""
	}
	return filepath.Join(f.Root, dirTemp, fmt.Sprintf("%s-%d%s", key, ind, Ext))
}

// TempKey resolves a raw "key-index" tail in the temp zone.
func (f *Files) TempKey(tail string) string {
	if !safe(tail) {
		return ""
	}
	return filepath.Join(f.Root, dirTemp, tail+Ext)
}

// Attachment is the permanent path for (email, key, index).
func (f *Files) Attachment(email, key string, ind int) string {
	if !safe(email) || !safe(key) {
		return ""
	}
	return filepath.Join(f.Root, dirAttachment, email, fmt.Sprintf("%s-%d%s", key, ind, Ext))
}

// AttachmentKey resolves a raw "key-index" tail in a user's permanent area.
func (f *Files) AttachmentKey(email, tail string) string {
	if !safe(email) || !safe(tail) {
		return ""
	}
	return filepath.Join(f.Root, dirAttachment, email, tail+Ext)
}

// Saved is the archive path for an ingested source file.
func (f *Files) Saved(email, fileName string) string {
	if !safe(email) || !safe(fileName) {
		return ""
	}
	return filepath.Join(f.Root, dirSource, email, fileName)
}

func (f *Files) EnsureRoot() {
	if err := os.MkdirAll(filepath.Join(f.Root, dirTemp), 0o755); err != nil {
		f.Log.Error("ensure mail root", "error", err)
	}
}

func (f *Files) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (f *Files) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (f *Files) Rename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s: %w", src, err)
	}
	return nil
}

func (f *Files) Copy(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("copy read %s: %w", src, err)
	}
	return f.Write(dst, data)
}

func (f *Files) Remove(path string) error {
	return os.Remove(path)
}

// CleanTemp deletes temp-zone files older than the cutoff. Runs from the
// hourly maintenance loop.
func (f *Files) CleanTemp(olderThan time.Duration) {
	dir := filepath.Join(f.Root, dirTemp)
	entries, err := os.ReadDir(dir)
	if err != nil {
		f.Log.Error("clean temp", "dir", dir, "error", err)
		return
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		f.Log.Info("clean temp", "removed", removed)
	}
}
