package export

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"time"

	"sitemark/api/internal/annotation"
)

//go:embed templates/*.html
var templateFS embed.FS

var snapshotTemplate = template.Must(template.New("snapshot.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/snapshot.html"))

// TemplateData holds data for snapshot template rendering
type TemplateData struct {
	Title            string
	SiteID           string
	Revision         int
	GeneratedAt      time.Time
	ImageDataURI     template.URL
	Legend           []LegendEntry
	PageWidthIn      float64
	PageHeightIn     float64
	ImageMaxHeightIn float64
}

type LegendEntry struct {
	Label string
	Color template.CSS
	Count int
}

// BuildLegend counts boxes per color category, in legend order.
func BuildLegend(objects []annotation.Object) []LegendEntry {
	counts := map[annotation.ColorCategory]int{}
	for _, obj := range objects {
		if b, ok := obj.(annotation.Box); ok {
			counts[b.Category]++
		}
	}
	legend := make([]LegendEntry, 0, 3)
	for _, c := range annotation.Categories() {
		rgba := c.RGBA()
		legend = append(legend, LegendEntry{
			Label: c.Label(),
			Color: template.CSS(fmt.Sprintf("#%02x%02x%02x", rgba.R, rgba.G, rgba.B)),
			Count: counts[c],
		})
	}
	return legend
}

// PNGDataURI inlines a PNG for the snapshot page.
func PNGDataURI(data []byte) template.URL {
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(data))
}

// RenderSnapshotHTML renders the snapshot template with provided data
func RenderSnapshotHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := snapshotTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
