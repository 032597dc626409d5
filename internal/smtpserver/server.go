// Package smtpserver is the inbound SMTP listener. It plays the MTA role for
// local deliveries: accepted messages are written into the recipient's
// mail-drop directory, where the ingestion watcher picks them up.
package smtpserver

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"webpost/internal/attach"
	"webpost/internal/ingest"
	"webpost/internal/store"

	"github.com/google/uuid"
)

const defaultDomain = "webpost"

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(users *store.UserIndex, files *attach.Files, sourceRoot string, logger *slog.Logger, addr string, authCfg AuthConfig) *Server {
	backend := &backend{
		users:        users,
		files:        files,
		sourceRoot:   sourceRoot,
		logger:       logger,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	users        *store.UserIndex
	files        *attach.Files
	sourceRoot   string
	logger       *slog.Logger
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, strings.TrimSpace(strings.ToLower(to)))
	return nil
}

// Data drops the raw message into each known recipient's drop directory.
// Unknown recipients are ignored; at least one local delivery is required.
func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	delivered := 0
	for _, rcpt := range s.to {
		if _, ok := s.backend.users.ByEmail(rcpt); !ok {
			continue
		}
		dir := ingest.DropDir(s.backend.sourceRoot, rcpt)
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, uuid.NewString())
		if err := s.backend.files.Write(path, data); err != nil {
			s.backend.logger.Error("drop message", "path", path, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return &smtp.SMTPError{Code: 550, Message: "no local recipients"}
	}
	return nil
}

func (s *session) Reset() {
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
