package app

import (
	"encoding/json"
	"fmt"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/editor"
	"sitemark/api/internal/markup"
	"sitemark/api/internal/rbac"
	"sitemark/api/internal/versions"
	"sitemark/api/internal/viewport"
)

type DocumentView struct {
	ID              string           `json:"id"`
	OriginalFileRef string           `json:"originalFileRef"`
	Objects         json.RawMessage  `json:"objects"`
	Metadata        markup.Metadata  `json:"metadata"`
	Permissions     rbac.Permissions `json:"permissions"`
	LinkedWorklogID *string          `json:"linkedWorklogId"`
	Status          markup.Status    `json:"status"`
	ImageWidth      int              `json:"imageWidth"`
	ImageHeight     int              `json:"imageHeight"`
	Preview         *markup.Artifact `json:"preview,omitempty"`
	SnapshotPDF     *markup.Artifact `json:"snapshotPdf,omitempty"`
	Revision        int              `json:"revision"`
	Access          rbac.Access      `json:"access"`
}

func newDocumentView(doc markup.Document, access rbac.Access) (DocumentView, error) {
	objects, err := annotation.MarshalObjects(doc.Objects)
	if err != nil {
		return DocumentView{}, fmt.Errorf("encode objects: %w", err)
	}
	view := DocumentView{
		ID:              doc.ID,
		OriginalFileRef: doc.OriginalFileRef,
		Objects:         objects,
		Metadata:        doc.Metadata,
		Permissions:     doc.Permissions,
		LinkedWorklogID: doc.LinkedWorklogID,
		Status:          doc.Status,
		ImageWidth:      doc.ImageWidth,
		ImageHeight:     doc.ImageHeight,
		Revision:        doc.Revision,
		Access:          access,
	}
	if !doc.Preview.IsZero() {
		view.Preview = doc.Preview
	}
	if !doc.SnapshotPDF.IsZero() {
		view.SnapshotPDF = doc.SnapshotPDF
	}
	if view.Metadata.Tags == nil {
		view.Metadata.Tags = []string{}
	}
	return view, nil
}

// SessionView is what a client renders after every input event.
type SessionView struct {
	SessionID     string          `json:"sessionId"`
	DocumentID    string          `json:"documentId"`
	State         string          `json:"state"`
	ActiveTool    string          `json:"activeTool"`
	IsDrawing     bool            `json:"isDrawing"`
	SelectedIDs   []string        `json:"selectedIds"`
	ClipboardSize int             `json:"clipboardSize"`
	Viewport      viewport.State  `json:"viewport"`
	VisibleArea   annotation.Rect `json:"visibleArea"`
	Objects       json.RawMessage `json:"objects"`
	Draft         json.RawMessage `json:"draft,omitempty"`
	CanUndo       bool            `json:"canUndo"`
	CanRedo       bool            `json:"canRedo"`
	IsSaving      bool            `json:"isSaving"`
	Access        rbac.Access     `json:"access"`
}

func newSessionView(v editor.View, access rbac.Access) (SessionView, error) {
	objects, err := annotation.MarshalObjects(v.Objects)
	if err != nil {
		return SessionView{}, fmt.Errorf("encode objects: %w", err)
	}
	out := SessionView{
		SessionID:     v.SessionID,
		DocumentID:    v.DocumentID,
		State:         v.State,
		ActiveTool:    string(v.Tools.ActiveTool),
		IsDrawing:     v.Tools.IsDrawing,
		SelectedIDs:   v.Tools.Selected(),
		ClipboardSize: len(v.Tools.Clipboard),
		Viewport:      v.Viewport,
		VisibleArea:   v.Viewport.VisibleImageRect(),
		Objects:       objects,
		CanUndo:       v.CanUndo,
		CanRedo:       v.CanRedo,
		IsSaving:      v.IsSaving,
		Access:        access,
	}
	if v.Draft != nil {
		draft, err := annotation.MarshalObject(v.Draft)
		if err != nil {
			return SessionView{}, fmt.Errorf("encode draft: %w", err)
		}
		out.Draft = draft
	}
	return out, nil
}

type VersionView struct {
	Hash        string          `json:"hash"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	SiteID      string          `json:"siteId"`
	Tags        []string        `json:"tags"`
	ObjectCount int             `json:"objectCount"`
	Objects     json.RawMessage `json:"objects"`
}

func newVersionView(hash string, content versions.Content, objects []annotation.Object) (VersionView, error) {
	encoded, err := annotation.MarshalObjects(objects)
	if err != nil {
		return VersionView{}, fmt.Errorf("encode objects: %w", err)
	}
	view := VersionView{
		Hash:        hash,
		Title:       content.Title,
		Description: content.Description,
		SiteID:      content.SiteID,
		Tags:        content.Tags,
		ObjectCount: len(objects),
		Objects:     encoded,
	}
	if view.Tags == nil {
		view.Tags = []string{}
	}
	return view, nil
}
