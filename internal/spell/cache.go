package spell

import (
	"context"
	"fmt"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ttoman/tt-wordwise/internal/session"
)

const (
	defaultCacheSize = 1000
	cacheStateKey    = "spell:cache"
)

// Cache holds word verdicts shared by all sessions. Reads never promote an
// entry, so eviction is oldest-insertion first.
type Cache struct {
	entries *lru.Cache[string, WordResult]
	store   session.Store

	persistMu sync.Mutex
}

// NewCache builds a cache and restores persisted entries from store, which
// may be nil.
func NewCache(ctx context.Context, size int, store session.Store) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[string, WordResult](size)
	if err != nil {
		return nil, fmt.Errorf("create spell cache: %w", err)
	}
	c := &Cache{entries: entries, store: store}
	if store != nil {
		var saved []WordResult
		if _, err := store.Load(ctx, cacheStateKey, &saved); err != nil {
			log.Printf("spell: load cache: %v", err)
		}
		for _, r := range saved {
			if key := normalize(r.Word); key != "" {
				c.entries.Add(key, r)
			}
		}
	}
	return c, nil
}

func (c *Cache) Get(word string) (WordResult, bool) {
	return c.entries.Peek(normalize(word))
}

func (c *Cache) Put(results ...WordResult) {
	for _, r := range results {
		key := normalize(r.Word)
		if key == "" {
			continue
		}
		c.entries.Remove(key)
		c.entries.Add(key, r)
	}
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

// Persist writes the cache oldest-first.
func (c *Cache) Persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	keys := c.entries.Keys()
	out := make([]WordResult, 0, len(keys))
	for _, key := range keys {
		if r, ok := c.entries.Peek(key); ok {
			out = append(out, r)
		}
	}
	if err := c.store.Save(context.WithoutCancel(ctx), cacheStateKey, out, 0); err != nil {
		log.Printf("spell: persist cache: %v", err)
	}
}
