package search

import (
	"context"
	"log"
)

// Service is the facade that tries the primary index first and falls back
// to Postgres full-text search.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	loadAll  func(ctx context.Context) ([]DocumentRecord, error)
}

// NewService wires Meilisearch and PG FTS. Either may be nil.
func NewService(m *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if m != nil {
		s.primary = m
		s.indexer = m
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loadAll = pgfts.LoadAllRecords
	}
	return s
}

// WithLoader replaces the source of documents used by ReindexAll.
func (s *Service) WithLoader(load func(ctx context.Context) ([]DocumentRecord, error)) *Service {
	s.loadAll = load
	return s
}

// Search uses the primary index while it is healthy.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document in the background.
func (s *Service) IndexDocument(doc DocumentRecord) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.IndexDocuments([]DocumentRecord{doc}); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// DeleteDocument removes a document from the index in the background.
func (s *Service) DeleteDocument(id string) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.DeleteDocument(id); err != nil {
			log.Printf("search: delete document %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes every stored document to the primary index.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.indexer == nil || !s.indexer.Healthy() || s.loadAll == nil {
		return
	}
	documents, err := s.loadAll(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.indexer.IndexDocuments(documents); err != nil {
		log.Printf("search: reindex documents: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
