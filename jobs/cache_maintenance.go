package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// StatsSource reports cache statistics.
type StatsSource interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// CacheMaintenanceJob periodically logs cache size, oldest entry age and
// component metrics. It only reads.
type CacheMaintenanceJob struct {
	Stats    StatsSource
	Registry *shared.MetricsRegistry
	Interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCacheMaintenanceJob creates a job reporting cache stats every interval.
func NewCacheMaintenanceJob(stats StatsSource, registry *shared.MetricsRegistry, interval time.Duration) *CacheMaintenanceJob {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &CacheMaintenanceJob{
		Stats:    stats,
		Registry: registry,
		Interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the job once immediately and then on every tick until Stop.
func (j *CacheMaintenanceJob) Start() {
	logrus.WithField("interval", j.Interval).Info("Starting cache maintenance job")
	ticker := time.NewTicker(j.Interval)

	go func() {
		defer close(j.done)
		defer ticker.Stop()

		j.Run()
		for {
			select {
			case <-ticker.C:
				j.Run()
			case <-j.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker loop and waits for a running pass to finish.
func (j *CacheMaintenanceJob) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done
}

// Run performs one maintenance pass and returns the stats it logged.
func (j *CacheMaintenanceJob) Run() models.CacheStats {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stats, err := j.Stats.Stats(ctx)
	if err != nil {
		logrus.WithError(err).Error("Cache maintenance job failed to read cache stats")
		return models.CacheStats{}
	}

	fields := logrus.Fields{
		"component": "CacheMaintenanceJob",
		"count":     stats.Count,
		"took":      time.Since(startTime),
	}
	if stats.OldestEntry != nil {
		fields["oldest_entry_age"] = j.now().Sub(time.UnixMilli(*stats.OldestEntry)).Round(time.Second)
	}
	logrus.WithFields(fields).Info("Cache maintenance pass completed")

	if j.Registry != nil {
		j.Registry.LogAll()
	}
	return stats
}
