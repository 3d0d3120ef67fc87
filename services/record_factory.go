package services

import (
	"context"
	"time"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
)

// recordFactory builds fresh cache records. Every record it returns carries
// the current time, the configured TTL and the current schema version.
type recordFactory struct {
	urls    *StoreURLBuilder
	ttlDays int
	now     func() time.Time
}

func (f *recordFactory) base(identifier, name string, provenance models.Provenance) *models.CacheRecord {
	return &models.CacheRecord{
		Identifier:    identifier,
		DisplayName:   name,
		Platforms:     make(map[models.PlatformTag]models.PlatformEntry, len(models.AllPlatforms)),
		Provenance:    provenance,
		ResolvedAt:    f.now(),
		TTLDays:       f.ttlDays,
		SchemaVersion: models.CurrentSchemaVersion,
	}
}

// fromSource builds a record from a structured-data answer. Available
// platforms get a verified deep link when the source supplied a store id.
func (f *recordFactory) fromSource(ctx context.Context, ref models.GameRef, result *models.SourceResult) *models.CacheRecord {
	name := ref.Name
	if name == "" && result != nil && result.Found {
		name = result.Title
	}

	provenance := models.ProvenanceFallback
	if result != nil && result.Found {
		provenance = models.ProvenanceExternalSource
	}
	record := f.base(ref.Identifier, name, provenance)
	if provenance == models.ProvenanceExternalSource {
		id := result.SourceRecordID
		record.SourceRecordID = &id
	}

	for tag, status := range models.DeriveStatuses(result) {
		entry := models.PlatformEntry{Status: status}
		if status == models.StatusAvailable {
			entry.StoreURL = f.urls.Build(ctx, tag, result.StoreIDs[tag], name)
		} else {
			entry.StoreURL = f.urls.SearchURL(tag, name)
		}
		record.Platforms[tag] = entry
	}
	return record
}

// fromOverride builds a manual record. Platforms the override omits are unknown.
func (f *recordFactory) fromOverride(ref models.GameRef, override models.Override) *models.CacheRecord {
	name := ref.Name
	if name == "" {
		name = override.Name
	}
	record := f.base(ref.Identifier, name, models.ProvenanceManual)

	for _, tag := range models.AllPlatforms {
		status, ok := override.Platforms[tag]
		if !ok {
			status = models.StatusUnknown
		}
		storeURL := override.StoreURLs[tag]
		if storeURL == "" {
			storeURL = f.urls.SearchURL(tag, name)
		}
		record.Platforms[tag] = models.PlatformEntry{Status: status, StoreURL: storeURL}
	}
	return record
}

// ephemeral builds the all-unknown record served when the source failed
// transiently. It is never persisted.
func (f *recordFactory) ephemeral(ref models.GameRef) *models.CacheRecord {
	return f.fromSource(context.Background(), ref, nil)
}
