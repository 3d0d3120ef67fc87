package services

import (
	"strings"
	"time"
	"unicode"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// DefaultMatchThreshold is the minimum similarity a fuzzy candidate needs.
const DefaultMatchThreshold = 0.5

// NameMatcher scores free-text search candidates against a wanted title
type NameMatcher struct {
	threshold float64
	metrics   *shared.ServiceMetrics
}

// NewNameMatcher creates a matcher accepting candidates scoring at least threshold
func NewNameMatcher(threshold float64, metrics *shared.ServiceMetrics) *NameMatcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMatchThreshold
	}
	return &NameMatcher{threshold: threshold, metrics: metrics}
}

// Threshold returns the acceptance threshold.
func (m *NameMatcher) Threshold() float64 {
	return m.threshold
}

// NormalizeName lowercases name and removes everything but letters and digits
func NormalizeName(name string) string {
	var builder strings.Builder
	builder.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// Similarity scores two names in [0, 1].
//
// Equal normalized names score 1. If one contains the other the score is
// len(shorter)/len(longer). Otherwise it is the Jaccard index of the two
// sets of character bigrams.
func Similarity(a, b string) float64 {
	left := []rune(NormalizeName(a))
	right := []rune(NormalizeName(b))
	if len(left) == 0 || len(right) == 0 {
		return 0
	}

	if string(left) == string(right) {
		return 1.0
	}

	shorter, longer := left, right
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if strings.Contains(string(longer), string(shorter)) {
		return float64(len(shorter)) / float64(len(longer))
	}

	leftBigrams := bigrams(left)
	rightBigrams := bigrams(right)
	if len(leftBigrams) == 0 || len(rightBigrams) == 0 {
		return 0
	}

	intersection := 0
	for gram := range leftBigrams {
		if _, ok := rightBigrams[gram]; ok {
			intersection++
		}
	}
	union := len(leftBigrams) + len(rightBigrams) - intersection
	return float64(intersection) / float64(union)
}

func bigrams(runes []rune) map[string]struct{} {
	set := make(map[string]struct{})
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// BestMatch returns the highest-scoring candidate for query. ok is false when
// there are no candidates or the best score is below the matcher's threshold.
// Ties keep the earliest candidate, so callers should pass results in the
// source's relevance order.
func BestMatch[T any](m *NameMatcher, query string, candidates []T, nameOf func(T) string) (best T, score float64, ok bool) {
	start := time.Now()
	bestIndex := -1
	for i, candidate := range candidates {
		s := Similarity(query, nameOf(candidate))
		if s > score {
			score = s
			bestIndex = i
		}
	}

	accepted := bestIndex >= 0 && score >= m.threshold
	m.metrics.RecordRequest(accepted, time.Since(start))

	logrus.WithFields(logrus.Fields{
		"component":  "NameMatcher",
		"query":      query,
		"candidates": len(candidates),
		"best_score": score,
		"accepted":   accepted,
	}).Debug("Fuzzy name match evaluated")

	if !accepted {
		return best, score, false
	}
	return candidates[bestIndex], score, true
}
