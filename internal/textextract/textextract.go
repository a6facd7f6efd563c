// Package textextract implements the fast inline-PDF-text boundary used
// by both the S3 poller and the direct-upload API handler: page count
// and first-page text via the PDF text layer, never OCR. Coarse type
// detection must never invoke the OCR cascade.
package textextract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/nexusidp/document-processor/internal/blobstore"
	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/ocr"
)

// Extractor reads PDF bytes from the blob store to produce the page
// count and first-page inline text.
type Extractor struct {
	blobs blobstore.Store
}

func New(blobs blobstore.Store) *Extractor {
	return &Extractor{blobs: blobs}
}

// FirstPageText implements poller.TextExtractor. objectKey is the blob
// store upload key, e.g. "uploads/statement.pdf".
func (e *Extractor) FirstPageText(ctx context.Context, objectKey string) (string, int, error) {
	data, err := e.blobs.Get(ctx, objectKey)
	if err != nil {
		return "", 0, err
	}
	totalPages, err := pageCount(data)
	if err != nil {
		return "", 0, err
	}
	text, err := ocr.ExtractInlineText(data, 1)
	if err != nil {
		return "", 0, err
	}
	return text, totalPages, nil
}

func pageCount(pdfBytes []byte) (int, error) {
	r, err := pdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return 0, apperrors.NewPermanentError("", fmt.Sprintf("open pdf: %v", err))
	}
	return r.NumPage(), nil
}
