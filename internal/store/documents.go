package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitemark/api/internal/annotation"
	"sitemark/api/internal/markup"
	"sitemark/api/internal/rbac"
)

// Store persists markup documents in Postgres or SQLite.
type Store struct {
	db      *sql.DB
	dialect string
}

func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, dialect: dialectOf(driver)}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return rebind(s.dialect, query)
}

const documentColumns = `
	id, original_file_ref, objects, title, description, site_id, created_by,
	created_at, modified_at, tags, object_count, viewer_ids, editor_ids,
	linked_worklog_id, status, image_width, image_height,
	preview_path, preview_url, preview_digest, pdf_path, pdf_url, pdf_digest,
	content_digest, revision`

func (s *Store) InsertDocument(ctx context.Context, doc markup.Document) error {
	objects, err := annotation.MarshalObjects(doc.Objects)
	if err != nil {
		return fmt.Errorf("encode objects: %w", err)
	}
	tags, viewers, editors, err := encodeLists(doc.Metadata.Tags, doc.Permissions.ViewerIDs, doc.Permissions.EditorIDs)
	if err != nil {
		return err
	}
	preview := artifactColumns(doc.Preview)
	pdf := artifactColumns(doc.SnapshotPDF)
	status := doc.Status
	if status == "" {
		status = markup.StatusActive
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO markup_documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		doc.ID, doc.OriginalFileRef, string(objects), doc.Metadata.Title, doc.Metadata.Description,
		doc.Metadata.SiteID, doc.Metadata.CreatedBy,
		dbTime{doc.Metadata.CreatedAt}, dbTime{doc.Metadata.ModifiedAt},
		tags, len(doc.Objects), viewers, editors,
		doc.LinkedWorklogID, string(status), doc.ImageWidth, doc.ImageHeight,
		preview[0], preview[1], preview[2], pdf[0], pdf[1], pdf[2],
		doc.ContentDigest, doc.Revision,
	)
	if err != nil {
		return fmt.Errorf("insert markup document: %w", err)
	}
	return nil
}

// GetDocument loads an active document. Soft-deleted documents report ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (markup.Document, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM markup_documents WHERE id=? AND status='active'`), id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return markup.Document{}, ErrNotFound
	}
	if err != nil {
		return markup.Document{}, fmt.Errorf("get markup document: %w", err)
	}
	return doc, nil
}

// GetAccess reads the current grant lists. Callers re-read them on every
// mutating request.
func (s *Store) GetAccess(ctx context.Context, id string) (DocumentAccess, error) {
	var access DocumentAccess
	var viewers, editors []byte
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT site_id, viewer_ids, editor_ids FROM markup_documents WHERE id=? AND status='active'
	`), id).Scan(&access.SiteID, &viewers, &editors)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentAccess{}, ErrNotFound
	}
	if err != nil {
		return DocumentAccess{}, fmt.Errorf("get markup access: %w", err)
	}
	if err := decodeList(viewers, &access.Permissions.ViewerIDs); err != nil {
		return DocumentAccess{}, err
	}
	if err := decodeList(editors, &access.Permissions.EditorIDs); err != nil {
		return DocumentAccess{}, err
	}
	return access, nil
}

// SaveContent writes a new object list and metadata and bumps the revision.
func (s *Store) SaveContent(ctx context.Context, update ContentUpdate) (int, error) {
	tags, err := encodeList(update.Tags)
	if err != nil {
		return 0, err
	}
	var revision int
	err = s.db.QueryRowContext(ctx, s.q(`
		UPDATE markup_documents
		SET objects=?, object_count=?, title=?, description=?, tags=?, modified_at=?,
			content_digest=?, revision=revision+1
		WHERE id=? AND status='active'
		RETURNING revision
	`),
		string(update.Objects), update.ObjectCount, update.Title, update.Description, tags,
		dbTime{update.ModifiedAt}, update.ContentDigest, update.ID,
	).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("save markup content: %w", err)
	}
	return revision, nil
}

// UpdateArtifacts records the blobs generated for the current content.
func (s *Store) UpdateArtifacts(ctx context.Context, id string, preview, pdf *markup.Artifact) error {
	p := artifactColumns(preview)
	d := artifactColumns(pdf)
	return s.execOne(ctx, "update markup artifacts", `
		UPDATE markup_documents
		SET preview_path=?, preview_url=?, preview_digest=?, pdf_path=?, pdf_url=?, pdf_digest=?
		WHERE id=? AND status='active'
	`, p[0], p[1], p[2], d[0], d[1], d[2], id)
}

// LinkWorklog ties the document to a work log. Relinking to the same work log
// succeeds; a different existing link yields an AlreadyLinkedError.
func (s *Store) LinkWorklog(ctx context.Context, id, worklogID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE markup_documents
		SET linked_worklog_id=?
		WHERE id=? AND status='active' AND (linked_worklog_id IS NULL OR linked_worklog_id=?)
	`), worklogID, id, worklogID)
	if err != nil {
		return fmt.Errorf("link work log: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("link work log: %w", err)
	} else if n > 0 {
		return nil
	}

	var current sql.NullString
	err = s.db.QueryRowContext(ctx, s.q(`SELECT linked_worklog_id FROM markup_documents WHERE id=? AND status='active'`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read work log link: %w", err)
	}
	return &AlreadyLinkedError{WorklogID: current.String}
}

func (s *Store) UnlinkWorklog(ctx context.Context, id string) error {
	return s.execOne(ctx, "unlink work log", `
		UPDATE markup_documents SET linked_worklog_id=NULL WHERE id=? AND status='active'
	`, id)
}

// SoftDelete flips the status. Deleting twice reports ErrNotFound the second time.
func (s *Store) SoftDelete(ctx context.Context, id string, now time.Time) error {
	return s.execOne(ctx, "soft delete markup document", `
		UPDATE markup_documents SET status='deleted', modified_at=? WHERE id=? AND status='active'
	`, dbTime{now}, id)
}

func (s *Store) UpdatePermissions(ctx context.Context, id string, perms rbac.Permissions) error {
	viewers, editors, err := encodePair(perms.ViewerIDs, perms.EditorIDs)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "update markup permissions", `
		UPDATE markup_documents SET viewer_ids=?, editor_ids=? WHERE id=? AND status='active'
	`, viewers, editors, id)
}

// ListActive returns active documents, most recently modified first.
func (s *Store) ListActive(ctx context.Context, limit int) ([]markup.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM markup_documents WHERE status='active' ORDER BY modified_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryDocuments(ctx, "list markup documents", query, args...)
}

// SearchDocuments matches a case-insensitive substring against title,
// description and tags of active documents.
func (s *Store) SearchDocuments(ctx context.Context, text string, limit int) ([]markup.Document, error) {
	needle := "%" + escapeLike(strings.ToLower(strings.TrimSpace(text))) + "%"
	query := `
		SELECT ` + documentColumns + ` FROM markup_documents
		WHERE status='active' AND (
			LOWER(title) LIKE ? ESCAPE '\' OR
			LOWER(description) LIKE ? ESCAPE '\' OR
			LOWER(CAST(tags AS TEXT)) LIKE ? ESCAPE '\'
		)
		ORDER BY modified_at DESC, id`
	args := []any{needle, needle, needle}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryDocuments(ctx, "search markup documents", query, args...)
}

// SiteIDsVisibleTo reads the host's site assignments for a user.
func (s *Store) SiteIDsVisibleTo(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT site_id FROM site_assignments WHERE user_id=? ORDER BY site_id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list site assignments: %w", err)
	}
	defer rows.Close()
	sites := []string{}
	for rows.Next() {
		var siteID string
		if err := rows.Scan(&siteID); err != nil {
			return nil, fmt.Errorf("scan site assignment: %w", err)
		}
		sites = append(sites, siteID)
	}
	return sites, rows.Err()
}

func (s *Store) AssignSite(ctx context.Context, userID, siteID string) error {
	query := `INSERT INTO site_assignments (user_id, site_id) VALUES (?, ?) ON CONFLICT (user_id, site_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, s.q(query), userID, siteID); err != nil {
		return fmt.Errorf("assign site: %w", err)
	}
	return nil
}

func (s *Store) WorklogExists(ctx context.Context, worklogID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.q(`SELECT EXISTS(SELECT 1 FROM work_logs WHERE id=?)`), worklogID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check work log: %w", err)
	}
	return exists, nil
}

func (s *Store) InsertWorklog(ctx context.Context, worklogID, siteID string) error {
	query := `INSERT INTO work_logs (id, site_id) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, s.q(query), worklogID, siteID); err != nil {
		return fmt.Errorf("insert work log: %w", err)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryDocuments(ctx context.Context, op, query string, args ...any) ([]markup.Document, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	docs := []markup.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (markup.Document, error) {
	var (
		doc                  markup.Document
		objects              []byte
		tags, viewers, edits []byte
		createdAt, modified  dbTime
		worklog              sql.NullString
		status               string
		preview, pdf         markup.Artifact
	)
	err := row.Scan(
		&doc.ID, &doc.OriginalFileRef, &objects, &doc.Metadata.Title, &doc.Metadata.Description,
		&doc.Metadata.SiteID, &doc.Metadata.CreatedBy, &createdAt, &modified,
		&tags, &doc.Metadata.ObjectCount, &viewers, &edits,
		&worklog, &status, &doc.ImageWidth, &doc.ImageHeight,
		&preview.Path, &preview.URL, &preview.Digest, &pdf.Path, &pdf.URL, &pdf.Digest,
		&doc.ContentDigest, &doc.Revision,
	)
	if err != nil {
		return markup.Document{}, err
	}

	list, err := annotation.UnmarshalObjects(objects)
	if err != nil {
		return markup.Document{}, fmt.Errorf("decode objects of %s: %w", doc.ID, err)
	}
	doc.Objects = list
	doc.Metadata.ObjectCount = len(list)
	doc.Metadata.CreatedAt = createdAt.Time
	doc.Metadata.ModifiedAt = modified.Time
	doc.Status = markup.Status(status)
	if worklog.Valid {
		id := worklog.String
		doc.LinkedWorklogID = &id
	}
	if !preview.IsZero() {
		doc.Preview = &preview
	}
	if !pdf.IsZero() {
		doc.SnapshotPDF = &pdf
	}
	if err := decodeList(tags, &doc.Metadata.Tags); err != nil {
		return markup.Document{}, err
	}
	if err := decodeList(viewers, &doc.Permissions.ViewerIDs); err != nil {
		return markup.Document{}, err
	}
	if err := decodeList(edits, &doc.Permissions.EditorIDs); err != nil {
		return markup.Document{}, err
	}
	return doc, nil
}

func artifactColumns(a *markup.Artifact) [3]string {
	if a.IsZero() {
		return [3]string{}
	}
	return [3]string{a.Path, a.URL, a.Digest}
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func encodePair(a, b []string) (string, string, error) {
	first, err := encodeList(a)
	if err != nil {
		return "", "", err
	}
	second, err := encodeList(b)
	if err != nil {
		return "", "", err
	}
	return first, second, nil
}

func encodeLists(tags, viewers, editors []string) (string, string, string, error) {
	t, err := encodeList(tags)
	if err != nil {
		return "", "", "", err
	}
	v, e, err := encodePair(viewers, editors)
	if err != nil {
		return "", "", "", err
	}
	return t, v, e, nil
}

func decodeList(data []byte, target *[]string) error {
	*target = []string{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	if *target == nil {
		*target = []string{}
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
