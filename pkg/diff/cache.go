package diff

import (
	"github.com/dgraph-io/ristretto"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cellwatch/pkg/snapshot"
)

// 🗃️ ResultCache memoizes comparison results keyed by the fingerprint pair
// of the two snapshots. Debounce storms and overlapping poll ticks often
// compare identical content back to back; the second comparison is a lookup.
type ResultCache struct {
	cache      *ristretto.Cache
	classifier *Classifier
}

// NewResultCache wraps classifier with a small in-memory cache.
func NewResultCache(classifier *Classifier) (*ResultCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 24, // 16 MB of cached change lists
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Errorf("creating diff cache: %w", err)
	}
	return &ResultCache{cache: cache, classifier: classifier}, nil
}

// 🔍 Compare returns the classified differences, serving repeats from cache.
// Nil or empty snapshots bypass the cache: their fingerprints are not
// distinct enough to key on.
func (rc *ResultCache) Compare(old, new *snapshot.Snapshot) []Change {
	if old.IsEmpty() || new.IsEmpty() {
		return rc.classifier.Compare(old, new)
	}

	key := old.Fingerprint() + "|" + new.Fingerprint()
	if cached, ok := rc.cache.Get(key); ok {
		if changes, ok := cached.([]Change); ok {
			return changes
		}
	}

	changes := rc.classifier.Compare(old, new)
	cost := int64(len(changes))*64 + 1
	rc.cache.Set(key, changes, cost)
	return changes
}

// Close releases the cache's internal goroutines.
func (rc *ResultCache) Close() {
	rc.cache.Close()
}
