package smtpserver

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"

	"webpost/internal/attach"
	"webpost/internal/ingest"
	"webpost/internal/store"
)

func newBackend(t *testing.T) (*backend, string) {
	t.Helper()
	ctx := context.Background()
	logger := slog.Default()

	db, err := store.Open(ctx, "", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	for _, email := range []string{"bob@example.com", "ann@example.com"} {
		if !store.Exec(ctx, db, `INSERT INTO users (email, name, password) VALUES (?, ?, ?);`,
			email, "User", "secret") {
			t.Fatalf("insert user %s", email)
		}
	}

	sourceRoot := t.TempDir()
	return &backend{
		users:      store.LoadUsers(ctx, db),
		files:      &attach.Files{Root: t.TempDir(), Log: logger},
		sourceRoot: sourceRoot,
		logger:     logger,
	}, sourceRoot
}

func TestDataDropsMessageForLocalRecipient(t *testing.T) {
	b, sourceRoot := newBackend(t)
	s := &session{backend: b}

	if err := s.Rcpt(" Bob@Example.COM ", nil); err != nil {
		t.Fatalf("rcpt: %v", err)
	}
	raw := "Subject: hi\r\n\r\nbody\r\n"
	if err := s.Data(strings.NewReader(raw)); err != nil {
		t.Fatalf("data: %v", err)
	}

	dir := ingest.DropDir(sourceRoot, "bob@example.com")
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("drop dir = (%v, %v), want one file", entries, err)
	}
	data, err := os.ReadFile(dir + "/" + entries[0].Name())
	if err != nil || string(data) != raw {
		t.Fatalf("dropped message = (%q, %v)", data, err)
	}
}

func TestDataRejectsWithoutLocalRecipients(t *testing.T) {
	b, _ := newBackend(t)
	s := &session{backend: b}

	if err := s.Rcpt("stranger@elsewhere.net", nil); err != nil {
		t.Fatalf("rcpt: %v", err)
	}
	err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok || smtpErr.Code != 550 {
		t.Fatalf("data err = %v, want 550", err)
	}
}

func TestDataFansOutToEveryLocalRecipient(t *testing.T) {
	b, sourceRoot := newBackend(t)
	s := &session{backend: b}

	s.Rcpt("bob@example.com", nil)
	s.Rcpt("ann@example.com", nil)
	s.Rcpt("stranger@elsewhere.net", nil)
	if err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("data: %v", err)
	}

	for _, email := range []string{"bob@example.com", "ann@example.com"} {
		entries, err := os.ReadDir(ingest.DropDir(sourceRoot, email))
		if err != nil || len(entries) != 1 {
			t.Fatalf("drop dir for %s = (%v, %v), want one file", email, entries, err)
		}
	}
}

func TestResetClearsRecipients(t *testing.T) {
	b, _ := newBackend(t)
	s := &session{backend: b}
	s.Rcpt("bob@example.com", nil)
	s.Reset()

	err := s.Data(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	if smtpErr, ok := err.(*smtp.SMTPError); !ok || smtpErr.Code != 550 {
		t.Fatalf("data after reset = %v, want 550", err)
	}
}

func TestAuthGatesMailWhenEnabled(t *testing.T) {
	b, _ := newBackend(t)
	b.authEnabled = true
	b.authUsername = "relay"
	b.authPassword = "secret"
	s := &session{backend: b}

	if err := s.Mail("alice@example.org", nil); err != smtp.ErrAuthRequired {
		t.Fatalf("mail without auth = %v, want ErrAuthRequired", err)
	}
	s.authenticated = true
	if err := s.Mail("alice@example.org", nil); err != nil {
		t.Fatalf("mail after auth = %v", err)
	}
}
