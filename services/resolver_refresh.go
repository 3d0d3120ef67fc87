package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// scheduleRefresh starts a detached refresh of stale records and returns
// its task id without waiting for it. The refresh outlives ctx.
func (r *Resolver) scheduleRefresh(ctx context.Context, refs []models.GameRef) string {
	taskID := uuid.NewString()
	refs = append([]models.GameRef(nil), refs...)
	detached := context.WithoutCancel(ctx)

	r.metrics.IncrementCustomCounter("background_refreshes")
	r.logger.WithFields(logrus.Fields{
		"method":  "scheduleRefresh",
		"task_id": taskID,
		"count":   len(refs),
	}).Debug("Scheduling background refresh")

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		start := time.Now()

		refreshCtx, cancel := context.WithTimeout(detached, r.config.BackgroundRefreshTimeout)
		defer cancel()

		refreshed, err := r.refreshRecords(refreshCtx, refs)
		if err != nil {
			r.metrics.IncrementCustomCounter("background_refresh_failures")
		}
		r.onRefreshDone(RefreshOutcome{
			TaskID:    taskID,
			Requested: len(refs),
			Refreshed: refreshed,
			Err:       err,
			Duration:  time.Since(start),
		})
	}()
	return taskID
}

// WaitForBackground blocks until every scheduled refresh has finished.
func (r *Resolver) WaitForBackground() {
	r.background.Wait()
}

// refreshRecords re-queries the source for refs and rewrites the records it
// answered. Sub-fields of the current records are carried over, records
// deleted or turned manual since scheduling are left alone, and a negative
// answer does not downgrade a record that was previously found.
func (r *Resolver) refreshRecords(ctx context.Context, refs []models.GameRef) (int, error) {
	results, sourceErr := r.platforms.ResolveBatch(ctx, refs)
	if len(results) == 0 {
		return 0, sourceErr
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.Identifier)
	}
	current, err := r.loadMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	// Building records may check store links, so it happens before the
	// stored records are re-read under the lock.
	rebuilt := make(map[string]*models.CacheRecord)
	for _, ref := range refs {
		result, ok := results[ref.Identifier]
		existing, stillStored := current[ref.Identifier]
		if !ok || result == nil || !stillStored {
			continue
		}
		if !result.Found && existing.Provenance == models.ProvenanceExternalSource {
			rebuilt[ref.Identifier] = nil
			continue
		}
		rebuilt[ref.Identifier] = r.factory.fromSource(ctx, models.GameRef{
			Identifier: ref.Identifier,
			Name:       firstNonEmpty(existing.DisplayName, ref.Name),
		}, result)
	}
	if len(rebuilt) == 0 {
		return 0, sourceErr
	}

	r.recordMutex.Lock()
	defer r.recordMutex.Unlock()

	latest, err := r.loadMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	toWrite := make(map[string][]byte)
	for id, record := range rebuilt {
		existing, stillStored := latest[id]
		if !stillStored || existing.Provenance == models.ProvenanceManual {
			continue
		}
		if record == nil {
			// Negative answer for a found record: keep it, only bump freshness.
			record = existing.Clone()
			record.ResolvedAt = r.now()
		} else {
			record.CompletionTime = existing.CompletionTime
			record.ReviewScore = existing.ReviewScore
		}
		if err := r.stage(toWrite, record, "refreshRecords"); err != nil {
			return 0, err
		}
	}

	if len(toWrite) > 0 {
		if err := r.store.SetMany(ctx, toWrite); err != nil {
			return 0, shared.NewStoreError("refreshRecords", err)
		}
	}
	return len(toWrite), sourceErr
}

func (r *Resolver) logRefreshOutcome(outcome RefreshOutcome) {
	logger := r.logger.WithFields(logrus.Fields{
		"method":    "backgroundRefresh",
		"task_id":   outcome.TaskID,
		"requested": outcome.Requested,
		"refreshed": outcome.Refreshed,
		"duration":  outcome.Duration,
	})
	if outcome.Err != nil {
		logger.WithError(outcome.Err).Warn("Background refresh failed")
		return
	}
	logger.Debug("Background refresh completed")
}
