package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sitemark/api/internal/annotation"
)

// Input is everything needed to flatten one document revision.
type Input struct {
	Title       string
	SiteID      string
	Revision    int
	GeneratedAt time.Time
	Blueprint   []byte
	Objects     []annotation.Object
}

// Snapshot holds the rendered artifacts. PDF is nil when no renderer is
// configured or the renderer's browser is not installed.
type Snapshot struct {
	Preview Result
	PDF     *Result
}

// Service flattens documents into preview and PDF artifacts
type Service struct {
	pdf    PDFRenderer
	logger *zap.SugaredLogger
}

// NewService creates a new export service. pdf may be nil to skip PDF output.
func NewService(pdf PDFRenderer, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{pdf: pdf, logger: logger}
}

// Render rasterizes the blueprint with its objects and wraps the result in a PDF.
func (s *Service) Render(ctx context.Context, in Input) (Snapshot, error) {
	blueprint, _, err := DecodeBlueprint(in.Blueprint)
	if err != nil {
		return Snapshot{}, err
	}
	flat, err := Rasterize(blueprint, in.Objects)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rasterize: %w", err)
	}
	pngData, err := EncodePNG(flat)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode preview: %w", err)
	}

	name := sanitizeFilename(in.Title)
	out := Snapshot{Preview: Result{Data: pngData, Filename: name + ".png", MimeType: "image/png"}}
	if s.pdf == nil {
		return out, nil
	}

	bounds := flat.Bounds()
	size := pageFor(bounds.Dx(), bounds.Dy())
	html, err := RenderSnapshotHTML(TemplateData{
		Title:            in.Title,
		SiteID:           in.SiteID,
		Revision:         in.Revision,
		GeneratedAt:      in.GeneratedAt,
		ImageDataURI:     PNGDataURI(pngData),
		Legend:           BuildLegend(in.Objects),
		PageWidthIn:      size.Width,
		PageHeightIn:     size.Height,
		ImageMaxHeightIn: size.Height - 1.6,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("render template: %w", err)
	}
	pdfData, err := s.pdf.RenderPDF(ctx, html, size)
	if errors.Is(err, ErrPDFDependencyMissing) {
		s.logger.Warnw("pdf snapshot skipped", "title", in.Title, "revision", in.Revision, "error", err)
		return out, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	out.PDF = &Result{Data: pdfData, Filename: name + ".pdf", MimeType: "application/pdf"}
	return out, nil
}
