// Package tasks runs the periodic housekeeping: probing push channels so dead
// ones are pruned, and clearing abandoned draft attachments from the temp zone.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"webpost/internal/attach"
	"webpost/internal/push"
)

const (
	interval   = time.Hour
	tempMaxAge = 24 * time.Hour
)

type Runner struct {
	bus   *push.Bus
	files *attach.Files
	log   *slog.Logger
}

func NewRunner(bus *push.Bus, files *attach.Files, logger *slog.Logger) *Runner {
	return &Runner{bus: bus, files: files, log: logger}
}

func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.bus.Sweep()
			r.files.CleanTemp(tempMaxAge)
			r.log.Info("housekeeping", "connections", r.bus.Len())
		}
	}
}
