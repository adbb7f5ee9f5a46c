// Package cleanup provides evidence retention: old run directories are
// removed on a fixed interval.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/replyops/ticketd/pkg/evidence"
)

// Config controls the retention sweep.
type Config struct {
	// BaseDir is the evidence root; each run is one subdirectory.
	BaseDir string
	// MaxAge is how long run directories are kept.
	MaxAge time.Duration
	// Interval is the sweep period.
	Interval time.Duration
}

// Service periodically removes evidence run directories past their
// retention age. Sweeps are idempotent and safe to run from multiple
// replicas sharing the evidence volume.
type Service struct {
	cfg Config
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(cfg Config) *Service {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Service{cfg: cfg, now: time.Now}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Evidence retention started",
		"base_dir", s.cfg.BaseDir,
		"max_age", s.cfg.MaxAge,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Evidence retention stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired run directories and returns how many were
// deleted. Only directories carrying a run report are touched; the
// ticket log and anything else sharing the volume is left alone.
func (s *Service) Sweep() int {
	entries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("Retention: reading evidence dir failed", "dir", s.cfg.BaseDir, "error", err)
		}
		return 0
	}

	cutoff := s.now().Add(-s.cfg.MaxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.cfg.BaseDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, evidence.RunReportFile)); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("Retention: removing run dir failed", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: removed expired run dirs", "count", removed)
	}
	return removed
}
