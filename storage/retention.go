package storage

import (
	"context"
	"sync"
	"time"

	"lookout/util/goroutine"

	"go.uber.org/zap"
)

// Purger deletes records created before a cutoff and reports how many it removed.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// RetentionPolicy removes a purger's records once they are older than MaxAge.
// A zero MaxAge keeps records forever.
type RetentionPolicy struct {
	Name   string
	Purger Purger
	MaxAge time.Duration
}

// RetentionManager applies retention policies on a fixed interval.
type RetentionManager struct {
	policies      []RetentionPolicy
	checkInterval time.Duration
	logger        *zap.SugaredLogger
	now           func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRetentionManager creates a retention manager. A non-positive interval
// checks hourly.
func NewRetentionManager(interval time.Duration, logger *zap.SugaredLogger, policies ...RetentionPolicy) *RetentionManager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionManager{
		policies:      policies,
		checkInterval: interval,
		logger:        logger,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// Start starts the retention manager
func (rm *RetentionManager) Start() {
	rm.wg.Add(1)
	go rm.run()
}

func (rm *RetentionManager) run() {
	defer rm.wg.Done()
	defer goroutine.Recover("retention-manager", rm.logger)

	ticker := time.NewTicker(rm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), rm.checkInterval)
			rm.Cleanup(ctx)
			cancel()
		case <-rm.stopCh:
			return
		}
	}
}

// Stop stops the retention manager and waits for a running cleanup.
func (rm *RetentionManager) Stop() {
	rm.stopOnce.Do(func() { close(rm.stopCh) })
	rm.wg.Wait()
}

// Cleanup applies every policy once and returns the number of records
// removed per policy. A failing policy does not stop the others.
func (rm *RetentionManager) Cleanup(ctx context.Context) map[string]int64 {
	removed := make(map[string]int64, len(rm.policies))
	for _, p := range rm.policies {
		if p.MaxAge <= 0 || p.Purger == nil {
			continue
		}
		cutoff := rm.now().Add(-p.MaxAge)
		n, err := p.Purger.Purge(ctx, cutoff)
		if err != nil {
			rm.logger.Errorw("Retention cleanup failed", "policy", p.Name, "error", err)
			continue
		}
		removed[p.Name] = n
		if n > 0 {
			rm.logger.Infow("Retention cleanup removed records",
				"policy", p.Name,
				"removed", n,
				"cutoff", cutoff.UTC().Format(time.RFC3339))
		}
	}
	return removed
}
