package models

// Message actions accepted by the gateway.
const (
	ActionGetPlatformData      = "GetPlatformData"
	ActionGetPlatformDataBatch = "GetPlatformDataBatch"
	ActionUpdateCache          = "UpdateCache"
	ActionGetCacheStats        = "GetCacheStats"
	ActionClearCache           = "ClearCache"
	ActionGetCompletionTime    = "GetCompletionTime"
	ActionGetCompletionBatch   = "GetCompletionTimeBatch"
	ActionGetReviewScores      = "GetReviewScores"
	ActionGetReviewScoresBatch = "GetReviewScoresBatch"
)

// Message is the envelope posted to the message endpoint. Single-item
// actions use Identifier/Name, batch actions use Games.
type Message struct {
	Action     string    `json:"action"`
	Identifier string    `json:"identifier,omitempty"`
	Name       string    `json:"name,omitempty"`
	Games      []GameRef `json:"games,omitempty"`
}

// CacheStats summarizes the persisted cache.
type CacheStats struct {
	Count       int    `json:"count"`
	OldestEntry *int64 `json:"oldestEntry"`
}
