// ABOUTME: Cron-scheduled retention janitor for translation records
// ABOUTME: Purges terminal records past the configured retention window

package translate

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// TranslationPurger is the store slice the janitor needs.
type TranslationPurger interface {
	PurgeTranslationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically deletes done/failed translation records older than
// the retention window. Pending records are never touched.
type Janitor struct {
	store     TranslationPurger
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewJanitor creates a janitor purging records older than retention.
func NewJanitor(store TranslationPurger, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		cron:      cron.New(),
		logger:    logger.With("component", "janitor"),
	}
}

// Start schedules the daily purge run.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@daily", j.RunOnce); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("translation janitor started", "retention", j.retention)
	return nil
}

// Stop halts the schedule and waits for a running purge to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("translation janitor stopped")
}

// RunOnce performs a single purge pass.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-j.retention)
	purged, err := j.store.PurgeTranslationsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("translation purge failed", "error", err)
		return
	}
	if purged > 0 {
		j.logger.Info("purged old translation records", "count", purged, "cutoff", cutoff)
	}
}
