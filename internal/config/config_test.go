package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_PORT", "SMTP_PORT", "SMTP_RELAY", "DB_PATH", "MAIL_ROOT", "DEFAULT_USER_ID"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.HTTPPort != 3031 || cfg.SMTPPort != 2025 {
		t.Fatalf("ports = (%d, %d)", cfg.HTTPPort, cfg.SMTPPort)
	}
	if cfg.SMTPRelay != "127.0.0.1:25" {
		t.Fatalf("relay = %q", cfg.SMTPRelay)
	}
	if cfg.MailRoot != "/usr/local/www/cache/mail" {
		t.Fatalf("mail root = %q", cfg.MailRoot)
	}
	if cfg.DefaultUserID != 0 {
		t.Fatalf("default user = %d", cfg.DefaultUserID)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("SMTP_AUTH_ENABLED", "true")
	t.Setenv("DB_PATH", " /data/webpost.db ")
	t.Setenv("DEFAULT_USER_ID", "7")

	cfg := Load()

	if cfg.HTTPPort != 8080 {
		t.Fatalf("http port = %d", cfg.HTTPPort)
	}
	if !cfg.SMTPAuthEnabled {
		t.Fatal("auth flag not read")
	}
	if cfg.DBPath != "/data/webpost.db" {
		t.Fatalf("db path = %q, want trimmed", cfg.DBPath)
	}
	if cfg.DefaultUserID != 7 {
		t.Fatalf("default user = %d", cfg.DefaultUserID)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("SMTP_AUTH_ENABLED", "maybe")

	cfg := Load()

	if cfg.HTTPPort != 3031 {
		t.Fatalf("http port = %d, want default", cfg.HTTPPort)
	}
	if cfg.SMTPAuthEnabled {
		t.Fatal("invalid bool did not fall back")
	}
}
