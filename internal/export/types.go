// Package export flattens a markup document into snapshot artifacts: a PNG
// preview of the blueprint with every annotation drawn in z-order, and a
// single-page PDF wrapping that preview.
package export

import "errors"

// Result contains one rendered artifact.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrBlueprintUnreadable indicates the source image could not be decoded.
	ErrBlueprintUnreadable = errors.New("blueprint image unreadable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
