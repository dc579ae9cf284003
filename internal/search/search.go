// Package search finds markup documents by title, description and tags,
// scoped to what the requesting user may view.
package search

import (
	"context"
	"time"

	"sitemark/api/internal/markup"
	"sitemark/api/internal/rbac"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	SiteID      string    `json:"siteId"`
	Tags        []string  `json:"tags"`
	ObjectCount int       `json:"objectCount"`
	PreviewURL  string    `json:"previewUrl,omitempty"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// Query describes a search request. Subject scopes the hits.
type Query struct {
	Text    string
	Subject rbac.Subject
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a scoped search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Record is the data we index for a markup document.
type Record struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	SiteID      string   `json:"siteId"`
	Tags        []string `json:"tags"`
	ViewerIDs   []string `json:"viewerIds"`
	EditorIDs   []string `json:"editorIds"`
	Status      string   `json:"status"`
	ObjectCount int      `json:"objectCount"`
	PreviewURL  string   `json:"previewUrl"`
	ModifiedAt  int64    `json:"modifiedAt"`
}

func RecordFor(doc markup.Document) Record {
	r := Record{
		ID:          doc.ID,
		Title:       doc.Metadata.Title,
		Description: doc.Metadata.Description,
		SiteID:      doc.Metadata.SiteID,
		Tags:        nonNilStrings(doc.Metadata.Tags),
		ViewerIDs:   nonNilStrings(doc.Permissions.ViewerIDs),
		EditorIDs:   nonNilStrings(doc.Permissions.EditorIDs),
		Status:      string(doc.Status),
		ObjectCount: doc.Metadata.ObjectCount,
		ModifiedAt:  doc.Metadata.ModifiedAt.UnixMilli(),
	}
	if !doc.Preview.IsZero() {
		r.PreviewURL = doc.Preview.URL
	}
	return r
}

func resultFor(doc markup.Document) Result {
	r := Result{
		ID:          doc.ID,
		Title:       doc.Metadata.Title,
		Snippet:     doc.Metadata.Description,
		SiteID:      doc.Metadata.SiteID,
		Tags:        nonNilStrings(doc.Metadata.Tags),
		ObjectCount: doc.Metadata.ObjectCount,
		ModifiedAt:  doc.Metadata.ModifiedAt,
	}
	if !doc.Preview.IsZero() {
		r.PreviewURL = doc.Preview.URL
	}
	return r
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return append([]string(nil), values...)
}
