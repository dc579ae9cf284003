package search

import (
	"context"

	"sitemark/api/internal/markup"
	"sitemark/api/internal/rbac"
)

// DocumentSource is the database side of search.
type DocumentSource interface {
	SearchDocuments(ctx context.Context, text string, limit int) ([]markup.Document, error)
	ListActive(ctx context.Context, limit int) ([]markup.Document, error)
}

// Fallback searches with SQL substring matching and filters hits through
// the permission model. Used when Meilisearch is absent or unhealthy.
type Fallback struct {
	docs DocumentSource
}

func NewFallback(docs DocumentSource) *Fallback {
	return &Fallback{docs: docs}
}

func (f *Fallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	docs, err := f.docs.SearchDocuments(ctx, q.Text, 0)
	if err != nil {
		return nil, 0, err
	}
	visible := make([]Result, 0, len(docs))
	for _, doc := range docs {
		if rbac.Can(rbac.Resolve(doc.Permissions, doc.Metadata.SiteID, q.Subject), rbac.ActionView) {
			visible = append(visible, resultFor(doc))
		}
	}
	total := len(visible)
	return page(visible, q.Offset, limitOf(q)), total, nil
}

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

func page(results []Result, offset, limit int) []Result {
	if offset >= len(results) {
		return []Result{}
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}
