package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"webpost/internal/api"
	"webpost/internal/attach"
	"webpost/internal/config"
	"webpost/internal/ingest"
	"webpost/internal/mailbox"
	"webpost/internal/mailer"
	"webpost/internal/notes"
	"webpost/internal/push"
	"webpost/internal/session"
	"webpost/internal/smtpserver"
	"webpost/internal/store"
	"webpost/internal/tasks"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	if err := backend.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	users := store.LoadUsers(ctx, backend)
	dir := session.NewDirectory(backend, cfg.DefaultUserID, logger)
	bus := push.NewBus(logger)
	notify := &push.Notifier{Bus: bus, Dir: dir, Log: logger}

	files := &attach.Files{Root: cfg.MailRoot, Log: logger}
	files.EnsureRoot()

	outbound := &mailer.Mailer{Addr: cfg.SMTPRelay, Log: logger}
	notesEngine := notes.New(backend, notify, logger)
	boxes := mailbox.New(backend, notify, users, files, outbound, notesEngine, logger)
	defer boxes.Close()

	watcher := ingest.NewWatcher(cfg.MailSource, users, files, boxes, logger)
	go watcher.Run(ctx)

	housekeeping := tasks.NewRunner(bus, files, logger)
	go housekeeping.Run(ctx)

	inbound := smtpserver.New(users, files, cfg.MailSource, logger,
		fmt.Sprintf(":%d", cfg.SMTPPort), smtpserver.AuthConfig{
			Enabled:  cfg.SMTPAuthEnabled,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
	go func() {
		if err := inbound.ListenAndServe(); err != nil {
			logger.Error("smtp server", "error", err)
		}
	}()
	defer inbound.Close()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.NewServer(cfg, backend, dir, bus, notify, boxes, notesEngine, files, logger),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
