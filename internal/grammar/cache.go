package grammar

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultCacheSize = 100
	defaultCacheTTL  = 24 * time.Hour
)

type cacheEntry struct {
	Key      string    `json:"key"`
	Result   Result    `json:"result"`
	StoredAt time.Time `json:"storedAt"`
}

// Cache holds oracle results keyed by normalized sentence. Reads never
// promote an entry, so eviction is oldest-insertion first.
type Cache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(size int, ttl time.Duration, now func() time.Time) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, ttl: ttl, now: now}, nil
}

// SentenceKey hashes the case-folded, whitespace-collapsed sentence.
func SentenceKey(sentence string) string {
	folded := cases.Fold().String(norm.NFKC.String(sentence))
	collapsed := strings.Join(strings.Fields(folded), " ")
	return strconv.FormatUint(xxhash.Sum64String(collapsed), 16)
}

func (c *Cache) Get(sentence string) (Result, bool) {
	key := SentenceKey(sentence)
	entry, ok := c.entries.Peek(key)
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(entry.StoredAt) >= c.ttl {
		c.entries.Remove(key)
		return Result{}, false
	}
	return entry.Result, true
}

func (c *Cache) Put(sentence string, result Result) {
	key := SentenceKey(sentence)
	c.entries.Remove(key)
	c.entries.Add(key, cacheEntry{Key: key, Result: result, StoredAt: c.now()})
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

// snapshot lists live entries oldest first.
func (c *Cache) snapshot() []cacheEntry {
	now := c.now()
	keys := c.entries.Keys()
	out := make([]cacheEntry, 0, len(keys))
	for _, key := range keys {
		entry, ok := c.entries.Peek(key)
		if !ok || now.Sub(entry.StoredAt) >= c.ttl {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (c *Cache) restore(entries []cacheEntry) {
	now := c.now()
	for _, entry := range entries {
		if entry.Key == "" || now.Sub(entry.StoredAt) >= c.ttl {
			continue
		}
		c.entries.Add(entry.Key, entry)
	}
}
