package models

import (
	"encoding/json"
	"time"
)

// Day is the unit ttlDays is expressed in.
const Day = 24 * time.Hour

const (
	// DefaultTTLDays is written into every record at creation time.
	DefaultTTLDays = 7

	// CurrentSchemaVersion is stamped on every created record.
	CurrentSchemaVersion = 3
)

// PlatformTag identifies one of the console platforms tracked per game
type PlatformTag string

const (
	PlatformNintendo    PlatformTag = "nintendo"
	PlatformPlayStation PlatformTag = "playstation"
	PlatformXbox        PlatformTag = "xbox"
)

// AllPlatforms lists the tracked platforms in display order.
var AllPlatforms = []PlatformTag{PlatformNintendo, PlatformPlayStation, PlatformXbox}

// Status is the availability of a game on one platform
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusUnknown     Status = "unknown"
)

// Provenance records how a record's platform availability was derived.
// Manual records are never background-refreshed.
type Provenance string

const (
	ProvenanceManual         Provenance = "manual"
	ProvenanceExternalSource Provenance = "external-source"
	ProvenanceFallback       Provenance = "fallback"
)

type PlatformEntry struct {
	Status   Status `json:"status"`
	StoreURL string `json:"storeUrl"`
}

// CompletionTime holds completion estimates in hours.
type CompletionTime struct {
	ID                 int     `json:"id"`
	MainHours          float64 `json:"mainHours"`
	ExtraHours         float64 `json:"extraHours"`
	CompletionistHours float64 `json:"completionistHours"`
	AllStylesHours     float64 `json:"allStylesHours"`
	CrossRefID         *int    `json:"crossRefId"`
}

// Tier is the review aggregator's qualitative bucket.
type Tier string

const (
	TierMighty Tier = "Mighty"
	TierStrong Tier = "Strong"
	TierFair   Tier = "Fair"
	TierWeak   Tier = "Weak"
)

type ReviewScore struct {
	SourceID           int     `json:"sourceId"`
	Score              float64 `json:"score"`
	Tier               Tier    `json:"tier"`
	ReviewCount        int     `json:"reviewCount"`
	PercentRecommended float64 `json:"percentRecommended"`
}

// Lookup is the stored outcome of a sub-field search. A nil *Lookup means
// the search was never attempted; NotFound means it was attempted and the
// source had no match, which must suppress further searches.
type Lookup[T any] struct {
	NotFound bool `json:"notFound,omitempty"`
	Value    *T   `json:"value,omitempty"`
}

// Found wraps a populated lookup result.
func Found[T any](v T) *Lookup[T] {
	return &Lookup[T]{Value: &v}
}

// NotFound returns the not-found marker for a sub-field.
func NotFound[T any]() *Lookup[T] {
	return &Lookup[T]{NotFound: true}
}

// Populated reports whether the lookup carries a value.
func (l *Lookup[T]) Populated() bool {
	return l != nil && !l.NotFound && l.Value != nil
}

// IsNotFound reports whether the lookup is the not-found marker.
func (l *Lookup[T]) IsNotFound() bool {
	return l != nil && l.NotFound
}

// CacheRecord is the durable per-game record owned by the resolver.
// ResolvedAt is when the platform data was last resolved. Display-name and
// sub-field writes leave it unchanged, so staleness tracks platform data only.
type CacheRecord struct {
	Identifier     string                        `json:"identifier"`
	DisplayName    string                        `json:"displayName"`
	Platforms      map[PlatformTag]PlatformEntry `json:"platforms"`
	Provenance     Provenance                    `json:"provenance"`
	SourceRecordID *string                       `json:"sourceRecordId"`
	CompletionTime *Lookup[CompletionTime]       `json:"completionTime,omitempty"`
	ReviewScore    *Lookup[ReviewScore]          `json:"reviewScore,omitempty"`
	ResolvedAt     time.Time                     `json:"resolvedAt"`
	TTLDays        int                           `json:"ttlDays"`
	SchemaVersion  int                           `json:"schemaVersion"`
}

// IsValid reports whether the record is still fresh at now.
func (r *CacheRecord) IsValid(now time.Time) bool {
	if r == nil || r.ResolvedAt.IsZero() || r.TTLDays <= 0 {
		return false
	}
	return now.Before(r.ResolvedAt.Add(time.Duration(r.TTLDays) * Day))
}

// IsStale reports whether the record is present but past its TTL.
func (r *CacheRecord) IsStale(now time.Time) bool {
	return r != nil && !r.IsValid(now)
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r *CacheRecord) Clone() *CacheRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Platforms = make(map[PlatformTag]PlatformEntry, len(r.Platforms))
	for tag, entry := range r.Platforms {
		out.Platforms[tag] = entry
	}
	if r.SourceRecordID != nil {
		id := *r.SourceRecordID
		out.SourceRecordID = &id
	}
	if r.CompletionTime != nil {
		ct := *r.CompletionTime
		if ct.Value != nil {
			v := *ct.Value
			if v.CrossRefID != nil {
				ref := *v.CrossRefID
				v.CrossRefID = &ref
			}
			ct.Value = &v
		}
		out.CompletionTime = &ct
	}
	if r.ReviewScore != nil {
		rs := *r.ReviewScore
		if rs.Value != nil {
			v := *rs.Value
			rs.Value = &v
		}
		out.ReviewScore = &rs
	}
	return &out
}

// EncodeRecord serializes a record for the store.
func EncodeRecord(r *CacheRecord) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses a stored record. Records without an identifier are
// rejected so a damaged value reads as a miss.
func DecodeRecord(data []byte) (*CacheRecord, error) {
	var r CacheRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Identifier == "" {
		return nil, errMissingIdentifier
	}
	if r.Platforms == nil {
		r.Platforms = make(map[PlatformTag]PlatformEntry)
	}
	return &r, nil
}
