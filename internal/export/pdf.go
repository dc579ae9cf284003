package export

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PageSize is a paper size in inches.
type PageSize struct {
	Width  float64
	Height float64
}

// PDFRenderer prints an HTML page to PDF.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html string, size PageSize) ([]byte, error)
}

// ChromePDF renders through a headless Chromium started per call.
type ChromePDF struct {
	Timeout time.Duration
}

func NewChromePDF(timeout time.Duration) *ChromePDF {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromePDF{Timeout: timeout}
}

func chromeAvailable() bool {
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

// RenderPDF converts HTML to PDF using headless Chrome
func (c *ChromePDF) RenderPDF(ctx context.Context, html string, size PageSize) ([]byte, error) {
	if !chromeAvailable() {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	// Chrome options for headless mode in container
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// The page embeds the preview as a data URI, which can exceed what Chrome
	// accepts in a navigation URL, so the document is injected directly.
	var pdfData []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("#snapshot", chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(size.Width).
				WithPaperHeight(size.Height).
				WithMarginTop(0.4).
				WithMarginBottom(0.4).
				WithMarginLeft(0.4).
				WithMarginRight(0.4).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf generation failed: %w", err)
	}
	return pdfData, nil
}

// pageFor picks a page with the image's aspect ratio whose longer side is
// maxSide inches, leaving room for the header and legend.
func pageFor(width, height int) PageSize {
	const maxSide = 17.0
	const chrome = 1.6
	if width <= 0 || height <= 0 {
		return PageSize{Width: 11, Height: 8.5}
	}
	w, h := float64(width), float64(height)
	if w >= h {
		return PageSize{Width: maxSide, Height: maxSide*h/w + chrome}
	}
	return PageSize{Width: maxSide*w/h + 0.8, Height: maxSide + chrome}
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		}
	}
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "markup"
	}
	return result
}
