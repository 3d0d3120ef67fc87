package services

import (
	"context"
	"sync"
	"time"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/database"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// PlatformSource answers platform availability questions. A result with
// Found=false is a definitive negative; an error means "try again later".
type PlatformSource interface {
	Resolve(ctx context.Context, ref models.GameRef) (*models.SourceResult, error)
	// ResolveBatch may return partial results together with an error.
	ResolveBatch(ctx context.Context, refs []models.GameRef) (map[string]*models.SourceResult, error)
}

// CompletionTimeSource returns nil, nil when the game has no match.
type CompletionTimeSource interface {
	Resolve(ctx context.Context, ref models.GameRef) (*models.CompletionTime, error)
}

// ReviewScoreSource returns nil, nil when the game has no match.
type ReviewScoreSource interface {
	Resolve(ctx context.Context, ref models.GameRef) (*models.ReviewScore, error)
}

// Resolution is the outcome of resolving one identifier.
type Resolution struct {
	Record    *models.CacheRecord `json:"data"`
	FromCache bool                `json:"fromCache"`
	Stale     bool                `json:"stale,omitempty"`
	// Ephemeral records were synthesized after a transient failure and
	// were not persisted.
	Ephemeral bool `json:"-"`
}

// ResolverConfig tunes resolver policy.
type ResolverConfig struct {
	KeyPrefix                string
	TTLDays                  int
	BackgroundRefreshTimeout time.Duration
	BatchLookupConcurrency   int
}

// RefreshOutcome is handed to the completion callback of a background refresh.
type RefreshOutcome struct {
	TaskID    string
	Requested int
	Refreshed int
	Err       error
	Duration  time.Duration
}

// Resolver owns cache records: it decides between the store, the manual
// override table and the sources, and merges their answers into one record
// per identifier.
type Resolver struct {
	store      database.Store
	platforms  PlatformSource
	completion CompletionTimeSource
	reviews    ReviewScoreSource
	overrides  *OverrideTable
	urls       *StoreURLBuilder
	factory    *recordFactory
	metrics    *shared.ServiceMetrics
	config     ResolverConfig
	now        func() time.Time
	logger     *logrus.Entry

	onRefreshDone func(RefreshOutcome)
	background    sync.WaitGroup

	// recordMutex serializes read-modify-write updates of stored records.
	recordMutex sync.Mutex
}

// ResolverOption customizes a Resolver at construction.
type ResolverOption func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithRefreshCallback replaces the background refresh completion callback.
// The callback runs on the refresh goroutine.
func WithRefreshCallback(callback func(RefreshOutcome)) ResolverOption {
	return func(r *Resolver) { r.onRefreshDone = callback }
}

// NewResolver wires a resolver. completion and reviews may be nil, in which
// case those lookups always report no data.
func NewResolver(
	store database.Store,
	platforms PlatformSource,
	completion CompletionTimeSource,
	reviews ReviewScoreSource,
	overrides *OverrideTable,
	urls *StoreURLBuilder,
	metrics *shared.ServiceMetrics,
	config ResolverConfig,
	opts ...ResolverOption,
) *Resolver {
	if config.TTLDays <= 0 {
		config.TTLDays = models.DefaultTTLDays
	}
	if config.BackgroundRefreshTimeout <= 0 {
		config.BackgroundRefreshTimeout = 2 * time.Minute
	}
	if config.BatchLookupConcurrency <= 0 {
		config.BatchLookupConcurrency = 4
	}
	if urls == nil {
		urls = NewStoreURLBuilder(nil, false)
	}

	r := &Resolver{
		store:      store,
		platforms:  platforms,
		completion: completion,
		reviews:    reviews,
		overrides:  overrides,
		urls:       urls,
		metrics:    metrics,
		config:     config,
		now:        time.Now,
		logger:     logrus.WithField("component", "Resolver"),
	}
	r.onRefreshDone = r.logRefreshOutcome
	for _, opt := range opts {
		opt(r)
	}
	r.factory = &recordFactory{urls: urls, ttlDays: config.TTLDays, now: r.now}
	return r
}

func (r *Resolver) key(identifier string) string {
	return r.config.KeyPrefix + identifier
}

// Resolve returns the record for ref, consulting the store, then the
// override table, then the structured-data source.
func (r *Resolver) Resolve(ctx context.Context, ref models.GameRef) (*Resolution, error) {
	start := time.Now()
	logger := r.logger.WithFields(logrus.Fields{
		"method":     "Resolve",
		"identifier": ref.Identifier,
	})

	if ref.Identifier == "" {
		return nil, errMissingIdentifier("Resolve")
	}

	records, err := r.loadMany(ctx, []string{ref.Identifier})
	if err != nil {
		r.metrics.RecordRequest(false, time.Since(start))
		return nil, err
	}

	if record, ok := records[ref.Identifier]; ok {
		resolution, err := r.serveHit(ctx, ref, record)
		if err != nil {
			r.metrics.RecordRequest(false, time.Since(start))
			return nil, err
		}
		if resolution.Stale && record.Provenance != models.ProvenanceManual {
			r.scheduleRefresh(ctx, []models.GameRef{{Identifier: ref.Identifier, Name: resolution.Record.DisplayName}})
		}
		r.metrics.RecordRequest(true, time.Since(start))
		return resolution, nil
	}
	r.metrics.IncrementCustomCounter("cache_misses")

	if override, ok := r.overrides.Get(ref.Identifier); ok {
		record := r.factory.fromOverride(ref, override)
		if err := r.save(ctx, record); err != nil {
			r.metrics.RecordRequest(false, time.Since(start))
			return nil, err
		}
		r.metrics.IncrementCustomCounter("override_hits")
		logger.Debug("Resolved from manual override")
		r.metrics.RecordRequest(true, time.Since(start))
		return &Resolution{Record: record.Clone()}, nil
	}

	result, err := r.platforms.Resolve(ctx, ref)
	if err != nil {
		r.metrics.IncrementCustomCounter("source_failures")
		r.metrics.IncrementCustomCounter("ephemeral_records")
		logger.WithError(err).Warn("Structured-data lookup failed, serving uncached fallback")
		r.metrics.RecordRequest(true, time.Since(start))
		return &Resolution{Record: r.factory.ephemeral(ref), Ephemeral: true}, nil
	}

	record := r.factory.fromSource(ctx, ref, result)
	if err := r.save(ctx, record); err != nil {
		r.metrics.RecordRequest(false, time.Since(start))
		return nil, err
	}
	logger.WithField("provenance", record.Provenance).Debug("Resolved from structured-data source")
	r.metrics.RecordRequest(true, time.Since(start))
	return &Resolution{Record: record.Clone()}, nil
}

// serveHit applies a display-name change to a stored record and reports
// its freshness.
func (r *Resolver) serveHit(ctx context.Context, ref models.GameRef, record *models.CacheRecord) (*Resolution, error) {
	stale := !record.IsValid(r.now())
	if stale {
		r.metrics.IncrementCustomCounter("stale_hits")
	} else {
		r.metrics.IncrementCustomCounter("cache_hits")
	}

	if r.applyDisplayName(record, ref.Name) {
		if err := r.save(ctx, record); err != nil {
			return nil, err
		}
	}
	return &Resolution{Record: record.Clone(), FromCache: true, Stale: stale}, nil
}

// applyDisplayName updates the stored name and, except on manual records,
// the search links of unknown-status platforms. It reports whether the
// record changed.
func (r *Resolver) applyDisplayName(record *models.CacheRecord, name string) bool {
	if name == "" || name == record.DisplayName {
		return false
	}
	record.DisplayName = name
	if record.Provenance != models.ProvenanceManual {
		r.urls.RefreshSearchURLs(record)
	}
	return true
}

// ResolveBatch resolves refs with one store read and at most one source
// batch. The result holds one resolution per distinct identifier, in the
// order identifiers first appear in refs.
func (r *Resolver) ResolveBatch(ctx context.Context, refs []models.GameRef) ([]*Resolution, error) {
	start := time.Now()
	logger := r.logger.WithField("method", "ResolveBatch")

	unique := dedupeRefs(refs)
	if len(unique) == 0 {
		return []*Resolution{}, nil
	}

	ids := make([]string, len(unique))
	for i, ref := range unique {
		ids[i] = ref.Identifier
	}
	stored, err := r.loadMany(ctx, ids)
	if err != nil {
		r.metrics.RecordRequest(false, time.Since(start))
		return nil, err
	}

	resolutions := make(map[string]*Resolution, len(unique))
	renamed := make(map[string][]byte)
	var staleRefs, misses []models.GameRef

	for _, ref := range unique {
		record, ok := stored[ref.Identifier]
		if !ok {
			misses = append(misses, ref)
			continue
		}

		stale := !record.IsValid(r.now())
		if stale {
			r.metrics.IncrementCustomCounter("stale_hits")
			if record.Provenance != models.ProvenanceManual {
				staleRefs = append(staleRefs, models.GameRef{Identifier: ref.Identifier, Name: firstNonEmpty(ref.Name, record.DisplayName)})
			}
		} else {
			r.metrics.IncrementCustomCounter("cache_hits")
		}

		if r.applyDisplayName(record, ref.Name) {
			data, err := models.EncodeRecord(record)
			if err != nil {
				return nil, shared.NewServiceError(shared.ErrorCategoryProcessing, "ENCODE_FAILED", "cannot encode record", "Resolver", "ResolveBatch", false, err)
			}
			renamed[r.key(record.Identifier)] = data
		}
		resolutions[ref.Identifier] = &Resolution{Record: record.Clone(), FromCache: true, Stale: stale}
	}

	if len(renamed) > 0 {
		if err := r.store.SetMany(ctx, renamed); err != nil {
			r.metrics.RecordRequest(false, time.Since(start))
			return nil, shared.NewStoreError("ResolveBatch", err)
		}
	}

	if err := r.resolveMisses(ctx, misses, resolutions); err != nil {
		r.metrics.RecordRequest(false, time.Since(start))
		return nil, err
	}

	if len(staleRefs) > 0 {
		r.scheduleRefresh(ctx, staleRefs)
	}

	ordered := make([]*Resolution, 0, len(unique))
	for _, ref := range unique {
		ordered = append(ordered, resolutions[ref.Identifier])
	}

	logger.WithFields(logrus.Fields{
		"requested": len(refs),
		"unique":    len(unique),
		"hits":      len(unique) - len(misses),
		"misses":    len(misses),
		"stale":     len(staleRefs),
		"duration":  time.Since(start),
	}).Debug("Batch resolution completed")
	r.metrics.RecordRequest(true, time.Since(start))
	return ordered, nil
}

// resolveMisses fills resolutions for store misses: overrides first, then
// one source batch for the rest. Refs the source could not answer get
// ephemeral records.
func (r *Resolver) resolveMisses(ctx context.Context, misses []models.GameRef, resolutions map[string]*Resolution) error {
	if len(misses) == 0 {
		return nil
	}
	r.metrics.AddCustomCounter("cache_misses", int64(len(misses)))

	toWrite := make(map[string][]byte)
	var remaining []models.GameRef

	for _, ref := range misses {
		override, ok := r.overrides.Get(ref.Identifier)
		if !ok {
			remaining = append(remaining, ref)
			continue
		}
		record := r.factory.fromOverride(ref, override)
		if err := r.stage(toWrite, record, "resolveMisses"); err != nil {
			return err
		}
		r.metrics.IncrementCustomCounter("override_hits")
		resolutions[ref.Identifier] = &Resolution{Record: record.Clone()}
	}

	if len(remaining) > 0 {
		results, err := r.platforms.ResolveBatch(ctx, remaining)
		if err != nil {
			r.metrics.IncrementCustomCounter("source_failures")
			r.logger.WithError(err).WithFields(logrus.Fields{
				"method":     "resolveMisses",
				"unresolved": len(remaining) - len(results),
			}).Warn("Structured-data batch lookup failed, serving uncached fallbacks")
		}

		for _, ref := range remaining {
			result, ok := results[ref.Identifier]
			if !ok || result == nil {
				r.metrics.IncrementCustomCounter("ephemeral_records")
				resolutions[ref.Identifier] = &Resolution{Record: r.factory.ephemeral(ref), Ephemeral: true}
				continue
			}
			record := r.factory.fromSource(ctx, ref, result)
			if err := r.stage(toWrite, record, "resolveMisses"); err != nil {
				return err
			}
			resolutions[ref.Identifier] = &Resolution{Record: record.Clone()}
		}
	}

	if len(toWrite) == 0 {
		return nil
	}
	if err := r.store.SetMany(ctx, toWrite); err != nil {
		return shared.NewStoreError("resolveMisses", err)
	}
	return nil
}

// ForceRefresh drops the stored record for ref and resolves it again.
// Manual records are not protected; the override table re-creates them on
// the resulting miss.
func (r *Resolver) ForceRefresh(ctx context.Context, ref models.GameRef) (*Resolution, error) {
	if err := r.store.DeleteMany(ctx, []string{r.key(ref.Identifier)}); err != nil {
		return nil, shared.NewStoreError("ForceRefresh", err)
	}
	r.metrics.IncrementCustomCounter("forced_refreshes")
	r.logger.WithFields(logrus.Fields{
		"method":     "ForceRefresh",
		"identifier": ref.Identifier,
	}).Info("Cache entry invalidated for forced refresh")
	return r.Resolve(ctx, ref)
}

// Stats counts stored records and reports the oldest resolution time.
func (r *Resolver) Stats(ctx context.Context) (models.CacheStats, error) {
	entries, err := r.store.GetAllWithPrefix(ctx, r.config.KeyPrefix)
	if err != nil {
		return models.CacheStats{}, shared.NewStoreError("Stats", err)
	}

	stats := models.CacheStats{}
	for key, data := range entries {
		record, err := models.DecodeRecord(data)
		if err != nil {
			r.logger.WithError(err).WithField("key", key).Debug("Skipping undecodable record in stats")
			continue
		}
		stats.Count++
		resolvedAt := record.ResolvedAt.UnixMilli()
		if stats.OldestEntry == nil || resolvedAt < *stats.OldestEntry {
			oldest := resolvedAt
			stats.OldestEntry = &oldest
		}
	}
	return stats, nil
}

// ClearCache removes every record and returns how many keys were deleted.
func (r *Resolver) ClearCache(ctx context.Context) (int, error) {
	entries, err := r.store.GetAllWithPrefix(ctx, r.config.KeyPrefix)
	if err != nil {
		return 0, shared.NewStoreError("ClearCache", err)
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	if err := r.store.DeleteMany(ctx, keys); err != nil {
		return 0, shared.NewStoreError("ClearCache", err)
	}

	r.logger.WithFields(logrus.Fields{
		"method":  "ClearCache",
		"removed": len(keys),
	}).Info("Cache cleared")
	return len(keys), nil
}

// loadMany reads and decodes records. Values that fail to decode are
// treated as misses.
func (r *Resolver) loadMany(ctx context.Context, identifiers []string) (map[string]*models.CacheRecord, error) {
	keys := make([]string, len(identifiers))
	for i, id := range identifiers {
		keys[i] = r.key(id)
	}

	raw, err := r.store.GetMany(ctx, keys)
	if err != nil {
		return nil, shared.NewStoreError("loadMany", err)
	}

	records := make(map[string]*models.CacheRecord, len(raw))
	for _, id := range identifiers {
		data, ok := raw[r.key(id)]
		if !ok {
			continue
		}
		record, err := models.DecodeRecord(data)
		if err != nil {
			r.metrics.IncrementCustomCounter("corrupt_records")
			r.logger.WithError(err).WithField("identifier", id).Warn("Stored record could not be decoded, treating as miss")
			continue
		}
		records[id] = record
	}
	return records, nil
}

func (r *Resolver) save(ctx context.Context, record *models.CacheRecord) error {
	entries := make(map[string][]byte, 1)
	if err := r.stage(entries, record, "save"); err != nil {
		return err
	}
	if err := r.store.SetMany(ctx, entries); err != nil {
		return shared.NewStoreError("save", err)
	}
	return nil
}

func (r *Resolver) stage(entries map[string][]byte, record *models.CacheRecord, operation string) error {
	data, err := models.EncodeRecord(record)
	if err != nil {
		return shared.NewServiceError(shared.ErrorCategoryProcessing, "ENCODE_FAILED", "cannot encode record", "Resolver", operation, false, err)
	}
	entries[r.key(record.Identifier)] = data
	return nil
}

func errMissingIdentifier(operation string) error {
	return shared.NewServiceError(shared.ErrorCategoryValidation, "MISSING_IDENTIFIER", "identifier is required", "Resolver", operation, false, nil)
}

func dedupeRefs(refs []models.GameRef) []models.GameRef {
	seen := make(map[string]bool, len(refs))
	unique := make([]models.GameRef, 0, len(refs))
	for _, ref := range refs {
		if ref.Identifier == "" || seen[ref.Identifier] {
			continue
		}
		seen[ref.Identifier] = true
		unique = append(unique, ref)
	}
	return unique
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
