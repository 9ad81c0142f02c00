package pop

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/internal/monitoring"
)

const (
	// initialSettle gives the rest of the runtime a moment to come up
	// before the first scan.
	initialSettle = 3 * time.Second

	// DefaultIdleDelay is the pause when no segments are ready.
	DefaultIdleDelay = 10 * time.Second
)

// Submitter scans the log directory for ready segments and uploads them to
// the collector, one segment per cycle. Failed segments stay on disk and
// are retried on the next, shortened, cycle.
type Submitter struct {
	dir       string
	api       API
	settings  Settings
	idleDelay time.Duration
	log       *zap.SugaredLogger
	metrics   *monitoring.Collector
}

// NewSubmitter creates a submitter for segments in dir, uploading through
// api with the given cadence.
func NewSubmitter(dir string, api API, settings Settings, log *zap.SugaredLogger, metrics *monitoring.Collector) *Submitter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Submitter{
		dir:       dir,
		api:       api,
		settings:  settings,
		idleDelay: DefaultIdleDelay,
		log:       log,
		metrics:   metrics,
	}
}

// SetIdleDelay overrides the pause used when no segments are ready.
func (s *Submitter) SetIdleDelay(d time.Duration) {
	if d > 0 {
		s.idleDelay = d
	}
}

// Run executes scan cycles until ctx is cancelled. In production the
// context never is: only process termination stops the loop.
func (s *Submitter) Run(ctx context.Context) {
	if !sleepCtx(ctx, initialSettle) {
		return
	}
	for {
		delay := s.cycle(ctx)
		s.log.Debugw("submitter sleeping", "delay", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// cycle scans once and returns the delay before the next scan.
func (s *Submitter) cycle(ctx context.Context) time.Duration {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warnw("cannot scan log directory", "dir", s.dir, "error", err)
		return s.settings.ErrorDelay
	}

	var ready []string
	for _, entry := range entries {
		if !entry.IsDir() && IsSegmentName(entry.Name()) {
			ready = append(ready, entry.Name())
		}
	}
	s.log.Debugw("gathered segments", "count", len(ready))
	if len(ready) == 0 {
		return s.idleDelay
	}

	// Exactly one non-empty segment per cycle: bounds per-cycle work and
	// reacts quickly to new files.
	for _, name := range ready {
		full := filepath.Join(s.dir, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			// Rotated with no content; nothing to upload.
			os.Remove(full)
			continue
		}

		s.log.Infow("submitting segment", "segment", name, "queue_size", len(ready))
		result, err := s.api.Submit(ctx, full, len(ready))
		if err != nil {
			s.log.Warnw("failed to submit segment", "segment", name, "error", err)
			s.metrics.SubmitFailed()
			return s.settings.ErrorDelay
		}
		if result.Disabled {
			s.log.Warnw("proof of play disabled for this device, submission discarded", "segment", name)
			s.metrics.SegmentDiscarded()
		} else {
			s.log.Infow("segment submitted", "segment", name)
			s.metrics.SegmentSubmitted()
		}
		if err := os.Remove(full); err != nil {
			s.log.Warnw("cannot remove submitted segment", "segment", name, "error", err)
		}
		break
	}
	return s.settings.SubmitDelay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// LoadSettings asks the collector for the submission cadence, falling back
// to defaults when the endpoint is unavailable.
func LoadSettings(ctx context.Context, api API, defaults Settings, log *zap.SugaredLogger) Settings {
	settings, err := api.Settings(ctx)
	if err != nil {
		if log != nil {
			log.Warnw("cannot fetch submission settings, using defaults", "error", err)
		}
		return defaults
	}
	return settings
}
