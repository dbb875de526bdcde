package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
)

// ScoreSource pages through every user aggregate in user id order
type ScoreSource interface {
	ListUserScores(ctx context.Context, afterUserID string, limit int) ([]domain.UserScore, error)
}

// Ranking is the derived leaderboard repaired from the source
type Ranking interface {
	MergeAll(ctx context.Context, scores map[string]int64) error
}

// SyncWorker periodically repairs the points leaderboard from the store. The
// store is authoritative; the leaderboard only drifts when a post-commit update
// was lost. The snapshot is merged keeping the higher total per user, so a
// result committed while the store was being paged is never rolled back.
type SyncWorker struct {
	source  ScoreSource
	ranking Ranking
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(source ScoreSource, ranking Ranking, cfg *config.SyncConfig, logger *slog.Logger) *SyncWorker {
	return &SyncWorker{
		source:  source,
		ranking: ranking,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single rebuild and logs the result
func (w *SyncWorker) RunOnce(ctx context.Context) {
	w.logger.Info("starting leaderboard rebuild")
	startTime := time.Now()

	count, err := w.Rebuild(ctx)
	if err != nil {
		w.logger.Error("leaderboard rebuild failed", "error", err)
		return
	}

	w.logger.Info("leaderboard rebuild completed",
		"duration", time.Since(startTime),
		"players", count,
	)
}

// Rebuild reads every aggregate from the store in pages and merges them into
// the leaderboard in one step. It returns the number of users read.
func (w *SyncWorker) Rebuild(ctx context.Context) (int, error) {
	batchSize := w.config.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	scores := make(map[string]int64)
	after := ""
	for {
		page, err := w.source.ListUserScores(ctx, after, batchSize)
		if err != nil {
			return 0, fmt.Errorf("listing user scores after %q: %w", after, err)
		}
		for _, s := range page {
			scores[s.UserID] = s.TotalPoints
		}
		if len(page) < batchSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	if err := w.ranking.MergeAll(ctx, scores); err != nil {
		return 0, fmt.Errorf("merging leaderboard: %w", err)
	}
	return len(scores), nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
