package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort        int
	SMTPPort        int
	SMTPRelay       string
	SMTPAuthEnabled bool
	SMTPUsername    string
	SMTPPassword    string
	DBPath          string
	MailRoot        string
	MailSource      string
	FrontendDir     string
	DefaultUserID   int64
}

func Load() Config {
	return Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 3031),
		SMTPPort:        getEnvInt("SMTP_PORT", 2025),
		SMTPRelay:       getEnvString("SMTP_RELAY", "127.0.0.1:25"),
		SMTPAuthEnabled: getEnvBool("SMTP_AUTH_ENABLED", false),
		SMTPUsername:    getEnvString("SMTP_USERNAME", "webpost"),
		SMTPPassword:    getEnvString("SMTP_PASSWORD", "webpost"),
		DBPath:          getEnvString("DB_PATH", ""),
		MailRoot:        getEnvString("MAIL_ROOT", "/usr/local/www/cache/mail"),
		MailSource:      getEnvString("MAIL_SOURCE", "/var/mail/virtual"),
		FrontendDir:     getEnvString("FRONTEND_DIR", ""),
		DefaultUserID:   int64(getEnvInt("DEFAULT_USER_ID", 0)),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
