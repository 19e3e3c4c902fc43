// Package cachetier implements the iceberg freshness policy: frozen (>30d
// old) and warm (terminal + synced <24h ago) entries are valid without a
// network round trip; everything else is hot and forces a fetch.
package cachetier

import (
	"time"

	"github.com/maruel/jules/internal/model"
)

const (
	frozenThreshold = 30 * 24 * time.Hour
	warmThreshold   = 24 * time.Hour
)

// IsCacheValid is the single pure predicate mediating every cache-backed
// read from the Session Engine.
func IsCacheValid(cached *model.CachedSession, now time.Time) bool {
	if cached == nil {
		return false
	}
	if now.Sub(cached.Resource.CreateTime) > frozenThreshold {
		return true // frozen
	}
	if cached.Resource.State.IsTerminal() && now.Sub(cached.LastSyncedAt) < warmThreshold {
		return true // warm
	}
	return false // hot: caller must hit the network
}

// IsFrozen reports whether a session's createTime places it in the frozen
// tier, used by the Activity Client to skip hydration entirely.
func IsFrozen(createTime, now time.Time) bool {
	return now.Sub(createTime) > frozenThreshold
}
