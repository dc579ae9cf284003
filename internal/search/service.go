package search

import (
	"context"

	"go.uber.org/zap"

	"sitemark/api/internal/markup"
)

// Service tries Meilisearch first and falls back to the database.
type Service struct {
	meili    *Meili
	fallback *Fallback
	docs     DocumentSource
	logger   *zap.SugaredLogger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, docs DocumentSource, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{meili: meili, fallback: NewFallback(docs), docs: docs, logger: logger}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warnw("meilisearch error, falling back to sql", "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Errorw("sql search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index pushes the document to Meilisearch in the background. Deleted
// documents are removed instead.
func (s *Service) Index(doc markup.Document) {
	if !s.meiliReady() {
		return
	}
	if !doc.Active() {
		s.Delete(doc.ID)
		return
	}
	record := RecordFor(doc)
	go func() {
		if err := s.meili.IndexRecord(record); err != nil {
			s.logger.Warnw("index markup failed", "document_id", record.ID, "error", err)
		}
	}()
}

func (s *Service) Delete(id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(id); err != nil {
			s.logger.Warnw("delete markup from index failed", "document_id", id, "error", err)
		}
	}()
}

// ReindexAll pushes every active document to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.meiliReady() || s.docs == nil {
		return
	}
	docs, err := s.docs.ListActive(ctx, 0)
	if err != nil {
		s.logger.Warnw("reindex load failed", "error", err)
		return
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFor(doc))
	}
	if err := s.meili.IndexRecords(records); err != nil {
		s.logger.Warnw("reindex failed", "error", err)
		return
	}
	s.logger.Infow("search index rebuilt", "documents", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
