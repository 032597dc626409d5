// Package ingest turns raw MIME files from the per-user mail-drop directories
// into mailbox insertions. Each discovered file is parsed, classified,
// sanitized, stored and archived; a failure in any one file never stops the
// watcher loop.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"webpost/internal/attach"
	"webpost/internal/mailbox"
	"webpost/internal/store"
)

const pollInterval = 5 * time.Second

// trustedSuffixes is checked against the sender address as an informational
// signal; it does not gate spam classification.
var trustedSuffixes = []string{".ru", ".dev", ".org", ".net", "gmail.com", "hotmail.com", "zoom.us"}

type Watcher struct {
	source string
	users  *store.UserIndex
	files  *attach.Files
	boxes  *mailbox.Engine
	log    *slog.Logger
}

func NewWatcher(source string, users *store.UserIndex, files *attach.Files, boxes *mailbox.Engine, logger *slog.Logger) *Watcher {
	return &Watcher{
		source: source,
		users:  users,
		files:  files,
		boxes:  boxes,
		log:    logger,
	}
}

// DropDir is the mail-drop directory an MTA delivers into for one mailbox.
func DropDir(root, email string) string {
	user, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return filepath.Join(root, domain, user, "new")
}

// emailFromPath reverses DropDir for a discovered file path.
func emailFromPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 4 {
		return ""
	}
	return parts[len(parts)-3] + "@" + parts[len(parts)-4]
}

func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one poll cycle over every known user's drop directory.
func (w *Watcher) Sweep() {
	for _, email := range w.users.Emails() {
		dir := DropDir(w.source, email)
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			w.log.Error("watch dir", "dir", dir, "error", err)
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.log.Error("read dir", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			w.readEmail(filepath.Join(dir, entry.Name()))
		}
	}
}

// readEmail processes one discovered file: parse and store, then archive the
// source unconditionally. A file that cannot be read or archived is left in
// place for the next cycle.
func (w *Watcher) readEmail(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	email := emailFromPath(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		w.log.Error("read mail", "path", path, "error", err)
		raw = nil
	}
	if err := w.prepare(raw, email); err != nil {
		w.log.Error("parse mail", "path", path, "error", err)
	}

	target := w.files.Saved(email, name)
	if err := w.files.Rename(path, target); err != nil {
		w.log.Error("archive mail", "path", path, "error", err)
	}
}
