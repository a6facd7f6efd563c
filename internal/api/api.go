// Package api is the thin REST surface external callers use to submit
// documents and read back status and page data. It performs the single
// 1-based-to-0-based page index conversion at
// the boundary and translates the tagged error variants into HTTP
// status codes; no business logic lives here.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusidp/document-processor/internal/blobstore"
	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/ingest"
	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
	"github.com/nexusidp/document-processor/internal/pagestore"
)

// Ingester accepts a newly uploaded file and enqueues it.
type Ingester interface {
	Ingest(ctx context.Context, filename, firstPageText string, totalPages int, source model.Source) (ingest.Result, error)
}

// TextExtractor produces page count and first-page text for a blob
// store upload key.
type TextExtractor interface {
	FirstPageText(ctx context.Context, objectKey string) (string, int, error)
}

// StatusSource exposes live per-document progress.
type StatusSource interface {
	GetStatus(docID string) *model.SchedulerStatus
}

// PageStore is the narrow dependency on the Page Extraction Store.
type PageStore interface {
	GetPage(ctx context.Context, docID string, accountIndex *int, pageIndex int, stage model.Stage, progress int) (model.PageExtraction, error)
	UpdatePage(ctx context.Context, docID string, accountIndex *int, pageIndex int, delta pagestore.Delta) (model.PageExtraction, error)
}

// DocumentIndex is the narrow dependency on the document index, used
// for the status and delete endpoints.
type DocumentIndex interface {
	GetDocument(ctx context.Context, docID string) (*model.Document, error)
	Save(ctx context.Context, doc *model.Document) error
}

// Uploader is the narrow dependency on the blob store, used only to
// land the raw upload bytes at the documented key.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Server wires the REST surface to the core components.
type Server struct {
	blobs     Uploader
	ingester  Ingester
	text      TextExtractor
	status    StatusSource
	pages     PageStore
	docs      DocumentIndex
	maxUpload int64
	log       *logging.Logger
}

func New(blobs Uploader, ingester Ingester, text TextExtractor, status StatusSource, pages PageStore, docs DocumentIndex, maxUpload int64) *Server {
	return &Server{
		blobs:     blobs,
		ingester:  ingester,
		text:      text,
		status:    status,
		pages:     pages,
		docs:      docs,
		maxUpload: maxUpload,
		log:       logging.NewLogger("api"),
	}
}

// Routes registers the minimal external contract onto r.
func (s *Server) Routes(r *gin.Engine) {
	r.POST("/process", s.handleProcess)
	r.POST("/secondary-upload", s.handleSecondaryUpload)
	r.GET("/status/:doc_id", s.handleStatus)
	r.GET("/document/:doc_id/account/:ai/page/:p/data", s.handleGetPage)
	r.POST("/document/:doc_id/account/:ai/page/:p/update", s.handleUpdatePage)
	r.DELETE("/document/:doc_id", s.handleDelete)
}

// handleProcess accepts a multipart PDF, lands it at the documented
// upload key, and hands it to the Ingestion Coordinator directly
// (source=direct), bypassing the poller's discovery loop.
func (s *Server) handleProcess(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	if fileHeader.Size > s.maxUpload {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds MAX_FILE_SIZE"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read upload"})
		return
	}
	defer f.Close()

	data := make([]byte, fileHeader.Size)
	if _, err := f.Read(data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read upload"})
		return
	}

	uploadKey := blobstore.UploadKey(fileHeader.Filename)
	if err := s.blobs.Put(c.Request.Context(), uploadKey, data, "application/pdf"); err != nil {
		s.writeError(c, err)
		return
	}

	result, err := s.ingestUploadedFile(c.Request.Context(), uploadKey, fileHeader.Filename, model.SourceDirect)
	if err != nil {
		if apperrors.IsCode(err, apperrors.Conflict) {
			c.JSON(http.StatusOK, gin.H{"status": "already_processing"})
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"doc_id": result.DocID, "status": result.Status})
}

// secondaryUploadRequest identifies a file that a second upstream system
// has already landed in the blob store under its documented upload key
// (e.g. a batch loader writing straight to object storage).
type secondaryUploadRequest struct {
	UploadKey string `json:"upload_key" binding:"required"`
	Filename  string `json:"filename" binding:"required"`
}

// handleSecondaryUpload is the third ingestion path: it never receives
// file bytes directly, only a pointer to a blob the caller already
// wrote, and hands off to the coordinator with source=secondary_uploader
// so the status blob this call writes keeps the poller from re-submitting
// the same object.
func (s *Server) handleSecondaryUpload(c *gin.Context) {
	var req secondaryUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request: " + err.Error()})
		return
	}

	result, err := s.ingestUploadedFile(c.Request.Context(), req.UploadKey, req.Filename, model.SourceSecondaryUploader)
	if err != nil {
		if apperrors.IsCode(err, apperrors.Conflict) {
			c.JSON(http.StatusOK, gin.H{"status": "already_processing"})
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"doc_id": result.DocID, "status": result.Status})
}

// ingestUploadedFile marks the upload key's processing log as in-flight
// before handing off to the coordinator, so the S3 Poller's status-blob
// check (its second line of defense against duplicate ingestion) sees
// the object as already claimed no matter which path landed it.
func (s *Server) ingestUploadedFile(ctx context.Context, uploadKey, filename string, source model.Source) (ingest.Result, error) {
	if err := s.markUploadProcessing(ctx, uploadKey); err != nil {
		return ingest.Result{}, err
	}

	firstPageText, totalPages, err := s.text.FirstPageText(ctx, uploadKey)
	if err != nil {
		return ingest.Result{}, err
	}

	return s.ingester.Ingest(ctx, filename, firstPageText, totalPages, source)
}

func (s *Server) markUploadProcessing(ctx context.Context, uploadKey string) error {
	state := model.PollerState{FileKey: uploadKey, Status: model.PollerProcessing, UpdatedAt: time.Now()}
	data, err := json.Marshal(state)
	if err != nil {
		return apperrors.NewPermanentError("", "marshal processing log")
	}
	return s.blobs.Put(ctx, blobstore.ProcessingLogKey(uploadKey), data, "application/json")
}

func (s *Server) handleStatus(c *gin.Context) {
	docID := c.Param("doc_id")

	if st := s.status.GetStatus(docID); st != nil {
		c.JSON(http.StatusOK, gin.H{
			"stage":           st.Stage,
			"progress":        st.Progress,
			"pages_processed": st.PagesProcessed,
			"total_pages":     st.TotalPages,
			"error":           st.Error,
		})
		return
	}

	doc, err := s.docs.GetDocument(c.Request.Context(), docID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stage":           doc.Stage,
		"progress":        doc.Progress,
		"pages_processed": 0,
		"total_pages":     doc.TotalPages,
		"error":           doc.Error,
	})
}

func (s *Server) handleGetPage(c *gin.Context) {
	docID := c.Param("doc_id")

	accountIndex, err := parseAccountIndex(c.Param("ai"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pageIndex, err := parseOneBasedPage(c.Param("p"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var stage model.Stage
	var progress int
	if st := s.status.GetStatus(docID); st != nil {
		stage, progress = st.Stage, st.Progress
	}

	pe, err := s.pages.GetPage(c.Request.Context(), docID, accountIndex, pageIndex, stage, progress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pe)
}

// updatePageRequest mirrors the external update body shape exactly.
type updatePageRequest struct {
	PageData      map[string]string    `json:"page_data"`
	DeletedFields []string             `json:"deleted_fields"`
	ActionType    pagestore.ActionType `json:"action_type"`
}

func (s *Server) handleUpdatePage(c *gin.Context) {
	docID := c.Param("doc_id")

	accountIndex, err := parseAccountIndex(c.Param("ai"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pageIndex, err := parseOneBasedPage(c.Param("p"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req updatePageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed update body: " + err.Error()})
		return
	}

	delta := pagestore.Delta{
		Set:        req.PageData,
		Delete:     req.DeletedFields,
		ActionType: req.ActionType,
	}

	pe, err := s.pages.UpdatePage(c.Request.Context(), docID, accountIndex, pageIndex, delta)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pe)
}

// handleDelete marks the Document record failed with the error
// "deleted by client request" and saves it back. The record stays in the
// index (DocumentIndex has no delete operation), and no blob is deleted.
func (s *Server) handleDelete(c *gin.Context) {
	docID := c.Param("doc_id")
	doc, err := s.docs.GetDocument(c.Request.Context(), docID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	doc.Stage = model.StageFailed
	doc.Error = "deleted by client request"
	if err := s.docs.Save(c.Request.Context(), doc); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// parseOneBasedPage converts the caller's 1-based page number to the
// 0-based index used by every cache key.
func parseOneBasedPage(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("page must be a positive 1-based integer")
	}
	return n - 1, nil
}

// parseAccountIndex treats "none" as the generic (non-loan) document
// case, where account_index is nil.
func parseAccountIndex(raw string) (*int, error) {
	if raw == "none" || raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("account index must be \"none\" or a non-negative integer")
	}
	return &n, nil
}

// writeError maps the tagged error variant to its documented HTTP
// status.
func (s *Server) writeError(c *gin.Context, err error) {
	code := apperrors.Permanent
	message := err.Error()
	var stage string
	var progress int

	var pe *apperrors.ProcessingError
	if stderrors.As(err, &pe) {
		code = pe.Code
		message = pe.Message
		stage = pe.Stage
		if p, ok := pe.Details["progress"].(int); ok {
			progress = p
		}
	}

	switch code {
	case apperrors.NotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": message})
	case apperrors.NotReady:
		c.JSON(http.StatusAccepted, gin.H{"error": message, "stage": stage, "progress": progress})
	case apperrors.Invalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
	case apperrors.Conflict:
		c.JSON(http.StatusOK, gin.H{"status": "already_processing"})
	case apperrors.Transient:
		c.JSON(http.StatusBadGateway, gin.H{"error": message})
	default:
		s.log.Error("unhandled processing error", "error", message)
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
