// Package pipeline persists markup documents: the database row, a version in
// history, and the flattened preview and PDF in blob storage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/blob"
	"sitemark/api/internal/export"
	"sitemark/api/internal/markup"
	"sitemark/api/internal/metrics"
	"sitemark/api/internal/store"
	"sitemark/api/internal/versions"
)

// Documents is the slice of the store the pipeline writes through.
type Documents interface {
	GetDocument(ctx context.Context, id string) (markup.Document, error)
	SaveContent(ctx context.Context, update store.ContentUpdate) (int, error)
	UpdateArtifacts(ctx context.Context, id string, preview, pdf *markup.Artifact) error
}

type Versions interface {
	Record(documentID string, content versions.Content, author, message string) (versions.Version, bool, error)
}

type Renderer interface {
	Render(ctx context.Context, in export.Input) (export.Snapshot, error)
}

// Enqueuer schedules a background artifact retry.
type Enqueuer interface {
	EnqueueRegenerate(ctx context.Context, documentID, reason string) error
}

type Options struct {
	Documents Documents
	Blobs     blob.Store
	Renderer  Renderer
	Versions  Versions
	Retries   Enqueuer
	Logger    *zap.SugaredLogger
	Clock     func() time.Time
}

type Pipeline struct {
	docs     Documents
	blobs    blob.Store
	renderer Renderer
	versions Versions
	retries  Enqueuer
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		docs:     opts.Documents,
		blobs:    opts.Blobs,
		renderer: opts.Renderer,
		versions: opts.Versions,
		retries:  opts.Retries,
		logger:   opts.Logger,
		now:      opts.Clock,
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Save writes doc and regenerates its artifacts. The returned document
// reflects whatever was persisted, also when err is a *PersistenceError
// with MetadataSaved set.
func (p *Pipeline) Save(ctx context.Context, doc markup.Document, author string) (markup.Document, error) {
	start := time.Now()
	doc = doc.WithObjects(doc.Objects)

	objects, err := annotation.MarshalObjects(doc.Objects)
	if err != nil {
		metrics.RecordSave(metrics.OutcomeNothingSaved, time.Since(start))
		return doc, &PersistenceError{Stage: StageNothingSaved, Cause: fmt.Errorf("encode objects: %w", err)}
	}
	meta, err := json.Marshal(struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}{doc.Metadata.Title, doc.Metadata.Description, doc.Metadata.Tags})
	if err != nil {
		metrics.RecordSave(metrics.OutcomeNothingSaved, time.Since(start))
		return doc, &PersistenceError{Stage: StageNothingSaved, Cause: fmt.Errorf("encode metadata: %w", err)}
	}

	modified := p.now().UTC()
	if modified.Before(doc.Metadata.ModifiedAt) {
		modified = doc.Metadata.ModifiedAt
	}
	digest := Digest(objects, meta)
	revision, err := p.docs.SaveContent(ctx, store.ContentUpdate{
		ID:            doc.ID,
		Objects:       objects,
		ObjectCount:   len(doc.Objects),
		Title:         doc.Metadata.Title,
		Description:   doc.Metadata.Description,
		Tags:          doc.Metadata.Tags,
		ModifiedAt:    modified,
		ContentDigest: digest,
	})
	if err != nil {
		metrics.RecordSave(metrics.OutcomeNothingSaved, time.Since(start))
		return doc, &PersistenceError{Stage: StageNothingSaved, Cause: err}
	}
	doc.Metadata.ModifiedAt = modified
	doc.ContentDigest = digest
	doc.Revision = revision
	p.logger.Infow("markup content saved", "document_id", doc.ID, "revision", revision, "objects", len(doc.Objects))

	p.recordVersion(doc, objects, author)

	// Uploads must outlive the request that triggered them.
	detached := context.WithoutCancel(ctx)
	updated, err := p.refreshArtifacts(detached, doc)
	if err != nil {
		metrics.RecordSave(metrics.OutcomeArtifactFailed, time.Since(start))
		p.scheduleRetry(detached, doc.ID, err)
		return doc, &PersistenceError{Stage: StageArtifacts, MetadataSaved: true, Cause: err}
	}
	metrics.RecordSave(metrics.OutcomeSaved, time.Since(start))
	return updated, nil
}

// RegenerateArtifacts rebuilds preview and PDF for the stored content.
func (p *Pipeline) RegenerateArtifacts(ctx context.Context, documentID string) error {
	doc, err := p.docs.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	_, err = p.refreshArtifacts(ctx, doc)
	return err
}

func (p *Pipeline) recordVersion(doc markup.Document, objects []byte, author string) {
	if p.versions == nil {
		return
	}
	v, created, err := p.versions.Record(doc.ID, versions.Content{
		Title:       doc.Metadata.Title,
		Description: doc.Metadata.Description,
		SiteID:      doc.Metadata.SiteID,
		Tags:        doc.Metadata.Tags,
		ObjectCount: doc.Metadata.ObjectCount,
		Objects:     objects,
	}, author, fmt.Sprintf("Save revision %d", doc.Revision))
	if err != nil {
		p.logger.Warnw("version record failed", "document_id", doc.ID, "error", err)
		return
	}
	if created {
		p.logger.Debugw("version recorded", "document_id", doc.ID, "hash", v.Hash)
	}
}

// refreshArtifacts renders, uploads and records new artifacts, then removes
// the ones they replace. Nothing is deleted unless every step succeeded.
func (p *Pipeline) refreshArtifacts(ctx context.Context, doc markup.Document) (markup.Document, error) {
	preview, pdf, err := p.generate(ctx, doc)
	if err != nil {
		return doc, err
	}
	if err := p.docs.UpdateArtifacts(ctx, doc.ID, preview, pdf); err != nil {
		return doc, fmt.Errorf("record artifacts: %w", err)
	}

	previous := []*markup.Artifact{doc.Preview, doc.SnapshotPDF}
	current := map[string]bool{}
	for _, a := range []*markup.Artifact{preview, pdf} {
		if !a.IsZero() {
			current[a.Path] = true
		}
	}
	for _, old := range previous {
		if old.IsZero() || current[old.Path] {
			continue
		}
		if err := p.blobs.Delete(ctx, old.Path); err != nil && !errors.Is(err, blob.ErrNotFound) {
			p.logger.Warnw("superseded artifact not removed", "document_id", doc.ID, "path", old.Path, "error", err)
		}
	}

	doc.Preview = preview
	doc.SnapshotPDF = pdf
	return doc, nil
}

func (p *Pipeline) generate(ctx context.Context, doc markup.Document) (*markup.Artifact, *markup.Artifact, error) {
	blueprint, err := p.blobs.Get(ctx, doc.OriginalFileRef)
	if err != nil {
		return nil, nil, fmt.Errorf("load blueprint %s: %w", doc.OriginalFileRef, err)
	}
	snap, err := p.renderer.Render(ctx, export.Input{
		Title:       doc.Metadata.Title,
		SiteID:      doc.Metadata.SiteID,
		Revision:    doc.Revision,
		GeneratedAt: doc.Metadata.ModifiedAt,
		Blueprint:   blueprint,
		Objects:     doc.Objects,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("render artifacts: %w", err)
	}

	preview, err := p.upload(ctx, doc.ID, "preview", snap.Preview)
	if err != nil {
		return nil, nil, err
	}
	if snap.PDF == nil {
		return preview, nil, nil
	}
	pdf, err := p.upload(ctx, doc.ID, "snapshot", *snap.PDF)
	if err != nil {
		return nil, nil, err
	}
	return preview, pdf, nil
}

func (p *Pipeline) upload(ctx context.Context, documentID, kind string, res export.Result) (*markup.Artifact, error) {
	digest := shortDigest(res.Data)
	path := ArtifactPath(documentID, kind, digest, res.MimeType)
	obj, err := p.blobs.Put(ctx, path, res.Data, res.MimeType)
	metrics.RecordUpload(kind, err)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", kind, err)
	}
	return &markup.Artifact{Path: obj.Path, URL: obj.URL, Digest: digest}, nil
}

func (p *Pipeline) scheduleRetry(ctx context.Context, documentID string, cause error) {
	p.logger.Warnw("artifact generation failed", "document_id", documentID, "error", cause)
	if p.retries == nil {
		return
	}
	if err := p.retries.EnqueueRegenerate(ctx, documentID, cause.Error()); err != nil {
		p.logger.Errorw("artifact retry not scheduled", "document_id", documentID, "error", err)
	}
}

// ArtifactPath names a blob by document and content digest so identical
// content maps to the same key.
func ArtifactPath(documentID, kind, digest, mimeType string) string {
	ext := ".bin"
	switch mimeType {
	case "image/png":
		ext = ".png"
	case "application/pdf":
		ext = ".pdf"
	case "image/jpeg":
		ext = ".jpg"
	case "image/webp":
		ext = ".webp"
	case "image/bmp":
		ext = ".bmp"
	}
	return fmt.Sprintf("markups/%s/%s-%s%s", documentID, kind, digest, ext)
}
