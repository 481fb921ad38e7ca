package decision

import (
	"fmt"
	"time"
)

// CacheLevel identifies one of the three cache tiers
type CacheLevel string

const (
	// L1 caches a full result for an exact input
	L1 CacheLevel = "L1"
	// L2 caches the reference standard of an exercise
	L2 CacheLevel = "L2"
	// L3 caches deep-analysis context per fault and severity
	L3 CacheLevel = "L3"
)

const (
	ttlExactInput = 24 * 60 * 60
	ttlReference  = 7 * 24 * 60 * 60
	ttlContext    = 30 * 24 * 60 * 60
)

// CacheStrategy is the level, ttl and key to use for a cache entry
type CacheStrategy struct {
	Level      CacheLevel `json:"level"`
	TTLSeconds int        `json:"ttl"`
	Key        string     `json:"key"`
}

// TTL returns the ttl as a duration.
func (s CacheStrategy) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// CacheStrategyFor picks L1 when a content hash is known, otherwise L2.
func CacheStrategyFor(exerciseID, userID, contentHash string) CacheStrategy {
	if contentHash != "" {
		return CacheStrategy{
			Level:      L1,
			TTLSeconds: ttlExactInput,
			Key:        fmt.Sprintf("video_analysis:%s:%s:%s", userID, exerciseID, contentHash),
		}
	}
	return ReferenceCacheStrategy(exerciseID)
}

// ReferenceCacheStrategy is the L2 strategy of an exercise.
func ReferenceCacheStrategy(exerciseID string) CacheStrategy {
	return CacheStrategy{
		Level:      L2,
		TTLSeconds: ttlReference,
		Key:        fmt.Sprintf("gold_standard:%s", exerciseID),
	}
}

// ContextCacheStrategy is the L3 strategy for deep-analysis context.
func ContextCacheStrategy(faultType, severity string) CacheStrategy {
	return CacheStrategy{
		Level:      L3,
		TTLSeconds: ttlContext,
		Key:        fmt.Sprintf("rag_context:%s:%s", faultType, severity),
	}
}
