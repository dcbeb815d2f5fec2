package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/0x6d61/defectscan/internal/session"
)

// DefaultCacheTTL is how long an analysis result is reused.
const DefaultCacheTTL = 30 * time.Minute

// Cache remembers defects by content hash so identical files (vendored
// copies, generated headers) are analysed once per run.
type Cache struct {
	cache *gocache.Cache
}

// NewCache returns a cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{cache: gocache.New(ttl, 2*ttl)}
}

// Key hashes content together with a namespace, usually the processor name.
func Key(namespace string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the cached defects for key.
func (c *Cache) Get(key string) ([]session.Defect, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	defects, ok := v.([]session.Defect)
	if !ok {
		return nil, false
	}
	return slices.Clone(defects), true
}

// Set stores a copy of defects under key.
func (c *Cache) Set(key string, defects []session.Defect) {
	c.cache.SetDefault(key, slices.Clone(defects))
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.cache.ItemCount() }
