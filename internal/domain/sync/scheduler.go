package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"
)

const DefaultSyncInterval = 30 * time.Second

// SyncStats accumulates scheduler cycles.
type SyncStats struct {
	TotalSyncs      int       `json:"total_syncs"`
	LastSuccessful  time.Time `json:"last_successful"`
	LastFailed      time.Time `json:"last_failed"`
	TotalUploaded   int       `json:"total_uploaded"`
	TotalDownloaded int       `json:"total_downloaded"`
	TotalFailed     int       `json:"total_failed"`
	TotalErrors     int       `json:"total_errors"`
	AvgSyncDuration float64   `json:"avg_sync_duration"`
}

// Scheduler pulls every entity type and drains the outbound queue on a
// fixed cadence. Failed rows are never resent automatically.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger

	mu        gosync.RWMutex
	lastSync  time.Time
	isSyncing bool
	stats     *SyncStats
}

func NewScheduler(engine *Engine, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		log:      log.With("component", "scheduler"),
		stats:    &SyncStats{},
	}
}

// Sync runs one pull-then-drain cycle.
func (s *Scheduler) Sync(ctx context.Context) (*SyncResult, error) {
	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.isSyncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		s.mu.Unlock()
	}()

	result := &SyncResult{StartTime: time.Now()}

	pulls, pullErr := s.engine.RefreshAll(ctx)
	result.Pulls = pulls
	if pullErr != nil {
		result.Errors = append(result.Errors, pullErr.Error())
	}

	var drainErr error
	if !s.engine.Paused() {
		result.Outcomes, drainErr = s.engine.Drain(ctx)
		if drainErr != nil {
			result.Errors = append(result.Errors, drainErr.Error())
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Success = len(result.Errors) == 0

	s.updateStats(result)

	return result, errors.Join(pullErr, drainErr)
}

// StartAutoSync runs Sync every interval until ctx is done.
func (s *Scheduler) StartAutoSync(ctx context.Context) {
	s.log.Info("auto sync started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("auto sync stopped")
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				s.log.Error("auto sync failed", "error", err)
			}
		}
	}
}

// ForceSync runs a cycle outside the normal cadence.
func (s *Scheduler) ForceSync(ctx context.Context) (*SyncResult, error) {
	s.log.Info("forced sync")
	return s.Sync(ctx)
}

func (s *Scheduler) GetStats() *SyncStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statsCopy := *s.stats
	return &statsCopy
}

func (s *Scheduler) GetLastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

func (s *Scheduler) IsSyncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isSyncing
}

func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = &SyncStats{}
}

func (s *Scheduler) updateStats(result *SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalSyncs++
	if result.Success {
		s.stats.LastSuccessful = result.EndTime
		s.lastSync = result.EndTime
	} else {
		s.stats.LastFailed = result.EndTime
	}

	for _, p := range result.Pulls {
		s.stats.TotalDownloaded += p.Inserted + p.Merged
	}
	for _, o := range result.Outcomes {
		switch o.Status {
		case OutcomeSaved, OutcomeDeleted:
			s.stats.TotalUploaded++
		case OutcomeFailed, OutcomePurged:
			s.stats.TotalFailed++
		}
	}
	s.stats.TotalErrors += len(result.Errors)

	n := float64(s.stats.TotalSyncs)
	s.stats.AvgSyncDuration = (s.stats.AvgSyncDuration*(n-1) + result.Duration.Seconds()) / n
}
