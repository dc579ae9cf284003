package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"sitemark/api/internal/rbac"
)

const idxMarkups = "sitemark_markups"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.SugaredLogger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.SugaredLogger) *Meili {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warnw("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMarkups,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debugw("create index (may already exist)", "index", idxMarkups, "error", err)
	}

	index := m.client.Index(idxMarkups)
	filterable := []interface{}{"siteId", "viewerIds", "editorIds", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warnw("update filterable attributes", "index", idxMarkups, "error", err)
	}
	searchable := []string{"title", "description", "tags"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warnw("update searchable attributes", "index", idxMarkups, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Infow("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one query against the markup index with the access filter.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errors.New("meilisearch unhealthy")
	}
	filter, ok := accessFilter(q.Subject)
	if !ok {
		return []Result{}, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxMarkups,
			Query:                 q.Text,
			Limit:                 int64(limitOf(q)),
			Offset:                int64(q.Offset),
			Filter:                filter,
			AttributesToHighlight: []string{"title", "description"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := []Result{}
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// accessFilter mirrors the permission model: grant lists or a visible site.
// It reports false when the subject can see nothing.
func accessFilter(subject rbac.Subject) (string, bool) {
	if subject.UserID == "" {
		return "", false
	}
	clauses := []string{
		fmt.Sprintf("editorIds = %s", quote(subject.UserID)),
		fmt.Sprintf("viewerIds = %s", quote(subject.UserID)),
	}
	if len(subject.VisibleSiteIDs) > 0 {
		sites := make([]string, len(subject.VisibleSiteIDs))
		for i, id := range subject.VisibleSiteIDs {
			sites[i] = quote(id)
		}
		clauses = append(clauses, fmt.Sprintf("siteId IN [%s]", strings.Join(sites, ", ")))
	}
	return fmt.Sprintf(`status = "active" AND (%s)`, strings.Join(clauses, " OR ")), true
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:     decodeString(hit, "id"),
		SiteID: decodeString(hit, "siteId"),
	}
	r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
	r.PreviewURL = decodeString(hit, "previewUrl")
	r.Tags = []string{}
	if raw, ok := hit["tags"]; ok {
		_ = json.Unmarshal(raw, &r.Tags)
	}
	if raw, ok := hit["objectCount"]; ok {
		_ = json.Unmarshal(raw, &r.ObjectCount)
	}
	if raw, ok := hit["modifiedAt"]; ok {
		var ms int64
		if json.Unmarshal(raw, &ms) == nil {
			r.ModifiedAt = time.UnixMilli(ms).UTC()
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecord adds or updates a document in the search index.
func (m *Meili) IndexRecord(r Record) error {
	_, err := m.client.Index(idxMarkups).AddDocuments([]Record{r}, nil)
	return err
}

// DeleteRecord removes a document from the search index.
func (m *Meili) DeleteRecord(id string) error {
	_, err := m.client.Index(idxMarkups).DeleteDocument(id, nil)
	return err
}

// IndexRecords bulk-indexes documents.
func (m *Meili) IndexRecords(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMarkups).AddDocuments(records, nil)
	return err
}
