package models

import "errors"

var errMissingIdentifier = errors.New("record has no identifier")

// GameRef is one (identifier, display name) pair supplied by the caller.
type GameRef struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// SourceResult is the structured-data source's answer for one identifier.
// Found=false is a definitive negative and is cacheable.
type SourceResult struct {
	Found          bool
	SourceRecordID string
	Title          string
	Platforms      map[PlatformTag]bool
	StoreIDs       map[PlatformTag]string
}

// NotFoundResult is the definitive negative for an identifier.
func NotFoundResult() *SourceResult {
	return &SourceResult{
		Platforms: map[PlatformTag]bool{},
		StoreIDs:  map[PlatformTag]string{},
	}
}

// DeriveStatuses maps a source result onto per-platform statuses. A nil or
// not-found result leaves every platform unknown.
func DeriveStatuses(result *SourceResult) map[PlatformTag]Status {
	statuses := make(map[PlatformTag]Status, len(AllPlatforms))
	for _, tag := range AllPlatforms {
		switch {
		case result == nil || !result.Found:
			statuses[tag] = StatusUnknown
		case result.Platforms[tag]:
			statuses[tag] = StatusAvailable
		default:
			statuses[tag] = StatusUnavailable
		}
	}
	return statuses
}

// Override is one entry of the manual override table.
type Override struct {
	Name      string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Platforms map[PlatformTag]Status `yaml:"platforms" json:"platforms"`
	StoreURLs map[PlatformTag]string `yaml:"store_urls,omitempty" json:"storeUrls,omitempty"`
}
