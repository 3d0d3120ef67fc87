package services

import (
	"context"
	"sync"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// subField describes one lazily resolved part of a cache record.
type subField[T any] struct {
	name  string
	get   func(*models.CacheRecord) *models.Lookup[T]
	set   func(*models.CacheRecord, *models.Lookup[T])
	fetch func(context.Context, models.GameRef) (*T, error)
}

func (r *Resolver) completionField() subField[models.CompletionTime] {
	return subField[models.CompletionTime]{
		name: "completion_time",
		get:  func(rec *models.CacheRecord) *models.Lookup[models.CompletionTime] { return rec.CompletionTime },
		set: func(rec *models.CacheRecord, l *models.Lookup[models.CompletionTime]) {
			rec.CompletionTime = l
		},
		fetch: func(ctx context.Context, ref models.GameRef) (*models.CompletionTime, error) {
			if r.completion == nil {
				return nil, nil
			}
			return r.completion.Resolve(ctx, ref)
		},
	}
}

func (r *Resolver) reviewField() subField[models.ReviewScore] {
	return subField[models.ReviewScore]{
		name: "review_score",
		get:  func(rec *models.CacheRecord) *models.Lookup[models.ReviewScore] { return rec.ReviewScore },
		set: func(rec *models.CacheRecord, l *models.Lookup[models.ReviewScore]) {
			rec.ReviewScore = l
		},
		fetch: func(ctx context.Context, ref models.GameRef) (*models.ReviewScore, error) {
			if r.reviews == nil {
				return nil, nil
			}
			return r.reviews.Resolve(ctx, ref)
		},
	}
}

// CompletionTime returns the completion time for ref, or nil when there is
// no data. Only store failures are returned as errors.
func (r *Resolver) CompletionTime(ctx context.Context, ref models.GameRef) (*models.CompletionTime, error) {
	return lookupSubField(ctx, r, ref, r.completionField(), nil)
}

// ReviewScore returns the review score for ref, or nil when there is no data.
func (r *Resolver) ReviewScore(ctx context.Context, ref models.GameRef) (*models.ReviewScore, error) {
	return lookupSubField(ctx, r, ref, r.reviewField(), nil)
}

// CompletionTimeBatch looks up completion times for refs. Every distinct
// identifier is present in the result, with nil for no data.
func (r *Resolver) CompletionTimeBatch(ctx context.Context, refs []models.GameRef) (map[string]*models.CompletionTime, error) {
	return lookupSubFieldBatch(ctx, r, refs, r.completionField())
}

// ReviewScoreBatch looks up review scores for refs.
func (r *Resolver) ReviewScoreBatch(ctx context.Context, refs []models.GameRef) (map[string]*models.ReviewScore, error) {
	return lookupSubFieldBatch(ctx, r, refs, r.reviewField())
}

// lookupSubField serves a memoized sub-field or queries its source and
// merges the answer into the stored record. known, when set, is the
// resolution for ref obtained by the caller.
func lookupSubField[T any](ctx context.Context, r *Resolver, ref models.GameRef, field subField[T], known *Resolution) (*T, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"method":     "lookupSubField",
		"field":      field.name,
		"identifier": ref.Identifier,
	})

	if ref.Identifier == "" {
		return nil, errMissingIdentifier("lookupSubField")
	}

	resolution := known
	if resolution == nil {
		var err error
		resolution, err = r.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	record := resolution.Record
	if ref.Name == "" {
		ref.Name = record.DisplayName
	}

	current := field.get(record)
	if current.IsNotFound() {
		r.metrics.IncrementCustomCounter(field.name + "_not_found_memo_hits")
		return nil, nil
	}
	if current.Populated() {
		r.metrics.IncrementCustomCounter(field.name + "_cache_hits")
		value := *current.Value
		return &value, nil
	}

	r.metrics.IncrementCustomCounter(field.name + "_lookups")
	value, err := field.fetch(ctx, ref)
	if err != nil {
		r.metrics.IncrementCustomCounter(field.name + "_source_failures")
		logger.WithError(err).Warn("Sub-field lookup failed, returning no data")
		return nil, nil
	}

	lookup := models.NotFound[T]()
	if value != nil {
		lookup = models.Found(*value)
	}

	if resolution.Ephemeral {
		logger.Debug("Platform record is not persisted, skipping sub-field write")
		return value, nil
	}
	if err := mergeSubField(ctx, r, record, field, lookup); err != nil {
		return nil, err
	}
	return value, nil
}

// mergeSubField re-reads the stored record and sets only field on it, so a
// concurrent write to the other sub-field is kept. fallback is written when
// the record has disappeared since it was read.
func mergeSubField[T any](ctx context.Context, r *Resolver, fallback *models.CacheRecord, field subField[T], lookup *models.Lookup[T]) error {
	r.recordMutex.Lock()
	defer r.recordMutex.Unlock()

	records, err := r.loadMany(ctx, []string{fallback.Identifier})
	if err != nil {
		return err
	}
	record, ok := records[fallback.Identifier]
	if !ok {
		record = fallback.Clone()
	}
	field.set(record, lookup)
	return r.save(ctx, record)
}

func lookupSubFieldBatch[T any](ctx context.Context, r *Resolver, refs []models.GameRef, field subField[T]) (map[string]*T, error) {
	unique := dedupeRefs(refs)
	results := make(map[string]*T, len(unique))
	if len(unique) == 0 {
		return results, nil
	}

	resolutions, err := r.ResolveBatch(ctx, unique)
	if err != nil {
		return nil, err
	}

	var mutex sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.config.BatchLookupConcurrency)

	for i, ref := range unique {
		ref, resolution := ref, resolutions[i]
		group.Go(func() error {
			value, err := lookupSubField(groupCtx, r, ref, field, resolution)
			if err != nil {
				return err
			}
			mutex.Lock()
			results[ref.Identifier] = value
			mutex.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
