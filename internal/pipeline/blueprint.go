package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"sitemark/api/internal/export"
)

// UploadBlueprint stores a source image for a new document and returns its
// blob path and pixel size. Unreadable images are rejected before upload.
func (p *Pipeline) UploadBlueprint(ctx context.Context, documentID string, data []byte) (string, int, int, error) {
	width, height, err := export.BlueprintSize(data)
	if err != nil {
		return "", 0, 0, err
	}
	mimeType := http.DetectContentType(data)
	path := ArtifactPath(documentID, "blueprint", shortDigest(data), mimeType)
	if _, err := p.blobs.Put(ctx, path, data, mimeType); err != nil {
		return "", 0, 0, fmt.Errorf("upload blueprint: %w", err)
	}
	return path, width, height, nil
}
