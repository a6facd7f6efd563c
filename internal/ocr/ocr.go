// Package ocr turns page images into text, consulting the cache hierarchy
// before calling out. A fast path uses inline PDF text extraction so that
// only genuinely scanned pages incur the external OCR call.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/otiai10/gosseract/v2"

	"github.com/nexusidp/document-processor/internal/blobstore"
	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/logging"
)

func newBytesReaderAt(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}

const (
	maxOCRAttempts = 5
	ocrTimeout     = 60 * time.Second
)

// textCache is the on-disk shape of ocr_cache/{doc_id}/text_cache.json.
type textCache map[string]string

// Page is the result of extracting one page's text.
type Page struct {
	Text             string
	WordConfidences  []int
	FromInlineText   bool
}

// Adapter is the OCR Adapter (C2).
type Adapter struct {
	blobs         blobstore.Store
	tesseractPath string
	serviceURL    string
	log           *logging.Logger
}

func New(blobs blobstore.Store, tesseractPath, serviceURL string) *Adapter {
	return &Adapter{
		blobs:         blobs,
		tesseractPath: tesseractPath,
		serviceURL:    serviceURL,
		log:           logging.NewLogger("ocr"),
	}
}

// IsCached reports whether pageIndex already has a cached result, so
// callers can skip fetching page image bytes entirely on a re-run.
func (a *Adapter) IsCached(ctx context.Context, docID string, pageIndex int) (bool, error) {
	cache, err := a.readCache(ctx, docID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return false, nil
		}
		return false, err
	}
	_, ok := cache[strconv.Itoa(pageIndex)]
	return ok, nil
}

// ExtractPage returns text and per-word confidences for one page. It
// consults the OCR cache first, then the inline-PDF fast path, and only
// falls through to the external OCR / Tesseract cascade for scanned
// pages. Successful external calls are written back to the cache before
// returning.
func (a *Adapter) ExtractPage(ctx context.Context, docID string, pageIndex int, imageBytes []byte, inlineText string) (*Page, error) {
	cache, err := a.readCache(ctx, docID)
	if err != nil && !apperrors.IsCode(err, apperrors.NotFound) {
		return nil, err
	}
	if cache == nil {
		cache = textCache{}
	}

	key := strconv.Itoa(pageIndex)
	if text, ok := cache[key]; ok {
		return &Page{Text: text}, nil
	}

	if inlineText != "" {
		cache[key] = inlineText
		if err := a.writeCache(ctx, docID, cache); err != nil {
			return nil, err
		}
		return &Page{Text: inlineText, FromInlineText: true}, nil
	}

	text, confidences, err := a.callOCRWithRetry(ctx, imageBytes)
	if err != nil {
		return nil, err
	}

	cache[key] = text
	if err := a.writeCache(ctx, docID, cache); err != nil {
		return nil, err
	}
	return &Page{Text: text, WordConfidences: confidences}, nil
}

// ExtractInlineText runs the fast PDF-text-layer pass for coarse type
// detection and for skipping external OCR on born-digital pages. Returns
// "" (no error) when the page has no embedded text layer, which the
// caller treats as "needs OCR".
func ExtractInlineText(pdfBytes []byte, pageNumber int) (string, error) {
	r, err := pdf.NewReader(newBytesReaderAt(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return "", apperrors.NewPermanentError("", fmt.Sprintf("open pdf: %v", err))
	}
	if pageNumber < 1 || pageNumber > r.NumPage() {
		return "", nil
	}
	page := r.Page(pageNumber)
	if page.V.IsNull() {
		return "", nil
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", nil
	}
	return text, nil
}

func (a *Adapter) callOCRWithRetry(ctx context.Context, imageBytes []byte) (string, []int, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= maxOCRAttempts; attempt++ {
		octx, cancel := context.WithTimeout(ctx, ocrTimeout)
		text, confidences, err := a.callOCR(octx, imageBytes)
		cancel()
		if err == nil {
			return text, confidences, nil
		}
		if !apperrors.Retryable(err) {
			return "", nil, err
		}
		lastErr = err
		a.log.Warn("ocr attempt failed, retrying", "attempt", attempt, "error", err.Error())
		select {
		case <-ctx.Done():
			return "", nil, apperrors.NewTransientError("", "ocr cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", nil, apperrors.NewTransientError("", "ocr unavailable after retries", lastErr)
}

// callOCR invokes the external OCR service when configured, else falls
// back to local Tesseract.
func (a *Adapter) callOCR(ctx context.Context, imageBytes []byte) (string, []int, error) {
	if a.serviceURL != "" {
		text, confidences, err := a.callExternalService(ctx, imageBytes)
		if err == nil {
			return text, confidences, nil
		}
		a.log.Warn("external OCR service failed, falling back to tesseract", "error", err.Error())
	}
	return a.callTesseract(imageBytes)
}

// callExternalService is a placeholder network boundary for the OCR
// service named by OCR_SERVICE_URL: it always returns a Transient error,
// and callOCR answers any error from it by running local Tesseract
// instead of returning the error for a retry.
func (a *Adapter) callExternalService(ctx context.Context, imageBytes []byte) (string, []int, error) {
	return "", nil, apperrors.NewTransientError("", "external OCR service not reachable", nil)
}

func (a *Adapter) callTesseract(imageBytes []byte) (string, []int, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(imageBytes); err != nil {
		return "", nil, apperrors.NewPermanentError("", fmt.Sprintf("OCRMalformed: %v", err))
	}
	text, err := client.Text()
	if err != nil {
		return "", nil, apperrors.NewPermanentError("", fmt.Sprintf("OCRMalformed: %v", err))
	}
	return text, nil, nil
}

func (a *Adapter) readCache(ctx context.Context, docID string) (textCache, error) {
	data, err := a.blobs.Get(ctx, blobstore.OCRTextCacheKey(docID))
	if err != nil {
		return nil, err
	}
	var cache textCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, apperrors.NewPermanentError(docID, fmt.Sprintf("corrupt ocr cache: %v", err))
	}
	return cache, nil
}

func (a *Adapter) writeCache(ctx context.Context, docID string, cache textCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return apperrors.NewPermanentError(docID, fmt.Sprintf("marshal ocr cache: %v", err))
	}
	return a.blobs.Put(ctx, blobstore.OCRTextCacheKey(docID), data, "application/json")
}
