// Package blob stores documents as JSON objects in an S3-compatible bucket.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ttoman/tt-wordwise/internal/store"
)

const prefix = "documents/"

// objects is the subset of bucket operations the gateway needs. get returns
// store.ErrNotFound for a missing key.
type objects interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, data []byte) error
	remove(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
	ping(ctx context.Context) error
}

// Gateway persists documents as documents/{id}.json.
type Gateway struct {
	objects objects
	now     func() time.Time

	mu sync.Mutex
}

func newGateway(o objects, now func() time.Time) *Gateway {
	if now == nil {
		now = time.Now
	}
	return &Gateway{objects: o, now: now}
}

func objectKey(documentID string) string {
	return prefix + documentID + ".json"
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.objects.ping(ctx)
}

// SaveDocument merges the set fields into the stored object and rewrites it.
func (g *Gateway) SaveDocument(ctx context.Context, documentID string, title, content *string) (store.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	doc, err := g.read(ctx, documentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		doc = store.Document{ID: documentID, CreatedAt: now}
	case err != nil:
		return store.Document{}, err
	}
	if title != nil {
		doc.Title = *title
	}
	if content != nil {
		doc.Content = *content
	}
	doc.Revision++
	doc.UpdatedAt = now

	raw, err := json.Marshal(doc)
	if err != nil {
		return store.Document{}, fmt.Errorf("encode document %s: %w", documentID, err)
	}
	if err := g.objects.put(ctx, objectKey(documentID), raw); err != nil {
		return store.Document{}, fmt.Errorf("put document %s: %w", documentID, err)
	}
	return doc, nil
}

func (g *Gateway) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return g.read(ctx, documentID)
}

func (g *Gateway) ListDocuments(ctx context.Context) ([]store.Document, error) {
	keys, err := g.objects.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	documents := make([]store.Document, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		doc, err := g.read(ctx, strings.TrimSuffix(path.Base(key), ".json"))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		documents = append(documents, doc)
	}
	return documents, nil
}

func (g *Gateway) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := g.read(ctx, documentID); err != nil {
		return err
	}
	if err := g.objects.remove(ctx, objectKey(documentID)); err != nil {
		return fmt.Errorf("remove document %s: %w", documentID, err)
	}
	return nil
}

func (g *Gateway) read(ctx context.Context, documentID string) (store.Document, error) {
	raw, err := g.objects.get(ctx, objectKey(documentID))
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return store.Document{}, fmt.Errorf("decode document %s: %w", documentID, err)
	}
	return doc, nil
}
