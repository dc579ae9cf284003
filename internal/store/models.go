package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"sitemark/api/internal/rbac"
)

var (
	ErrNotFound      = errors.New("markup document not found")
	ErrAlreadyLinked = errors.New("markup document already linked to another work log")
)

// AlreadyLinkedError reports the work log the document is currently tied to.
type AlreadyLinkedError struct {
	WorklogID string
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("%s (%s)", ErrAlreadyLinked.Error(), e.WorklogID)
}

func (e *AlreadyLinkedError) Is(target error) bool {
	return target == ErrAlreadyLinked
}

// ContentUpdate is the row-level part of a save. Objects is the encoded
// object list exactly as it should be stored.
type ContentUpdate struct {
	ID            string
	Objects       []byte
	ObjectCount   int
	Title         string
	Description   string
	Tags          []string
	ModifiedAt    time.Time
	ContentDigest string
}

// DocumentAccess is the slice of a row needed to authorize one request.
type DocumentAccess struct {
	SiteID      string
	Permissions rbac.Permissions
}

// dbTime scans TIMESTAMPTZ from pgx and the text form modernc stores.
type dbTime struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("scan time: unrecognized format %q", s)
}

func (t dbTime) Value() (driver.Value, error) {
	return t.Time.UTC(), nil
}
