// Package markup defines the persisted markup document: a blueprint reference,
// its annotation objects in z-order, and the bookkeeping around them.
package markup

import (
	"time"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/rbac"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

type Metadata struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	SiteID      string    `json:"siteId"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
	Tags        []string  `json:"tags"`
	ObjectCount int       `json:"objectCount"`
}

// Artifact is a derived file stored in blob storage. Digest is the content
// hash that also names the blob.
type Artifact struct {
	Path   string `json:"path"`
	URL    string `json:"url"`
	Digest string `json:"digest"`
}

func (a *Artifact) IsZero() bool {
	return a == nil || a.Path == ""
}

type Document struct {
	ID              string
	OriginalFileRef string
	Objects         []annotation.Object
	Metadata        Metadata
	Permissions     rbac.Permissions
	LinkedWorklogID *string
	Status          Status

	ImageWidth    int
	ImageHeight   int
	Preview       *Artifact
	SnapshotPDF   *Artifact
	ContentDigest string
	Revision      int
}

// WithObjects returns a copy holding objects, with ObjectCount kept in sync.
func (d Document) WithObjects(objects []annotation.Object) Document {
	d.Objects = annotation.CloneList(objects)
	if d.Objects == nil {
		d.Objects = []annotation.Object{}
	}
	d.Metadata.ObjectCount = len(d.Objects)
	d.Metadata.Tags = append([]string(nil), d.Metadata.Tags...)
	return d
}

// CloneAs copies the document under a new id for an edit-as-new flow. The
// clone keeps objects and blueprint but drops artifacts, links and history.
func (d Document) CloneAs(id, createdBy string, now time.Time) Document {
	out := d.WithObjects(d.Objects)
	out.ID = id
	out.Metadata.CreatedBy = createdBy
	out.Metadata.CreatedAt = now
	out.Metadata.ModifiedAt = now
	out.Permissions = rbac.Permissions{EditorIDs: []string{createdBy}}
	out.LinkedWorklogID = nil
	out.Status = StatusActive
	out.Preview = nil
	out.SnapshotPDF = nil
	out.ContentDigest = ""
	out.Revision = 0
	return out
}

func (d Document) Active() bool {
	return d.Status == StatusActive
}
