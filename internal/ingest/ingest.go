// Package ingest is the Ingestion Coordinator (C6): the single point
// where document ids are minted and the single point where Document
// records are created. It normalizes the three entry paths
// (direct upload, poller discovery, secondary uploader handoff) to one
// internal call.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nexusidp/document-processor/internal/docindex"
	"github.com/nexusidp/document-processor/internal/docqueue"
	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
)

// Scheduler is the narrow interface the coordinator hands documents off
// to; implemented by internal/scheduler.
type Scheduler interface {
	Enqueue(ctx context.Context, docID string, priority model.Priority) error
}

// Result is returned to the caller of Ingest.
type Result struct {
	DocID  string
	Status string
}

// Coordinator is the Ingestion Coordinator (C6).
type Coordinator struct {
	queue     *docqueue.Queue
	index     *docindex.Index
	scheduler Scheduler
	log       *logging.Logger
}

func New(queue *docqueue.Queue, index *docindex.Index, scheduler Scheduler) *Coordinator {
	return &Coordinator{queue: queue, index: index, scheduler: scheduler, log: logging.NewLogger("ingest")}
}

// MintDocID computes doc_id = hash(filename || now)[:12]. now is passed
// in by the caller (never time.Now() inside this pure function) so the
// id-minting step remains testable.
func MintDocID(filename string, now time.Time) string {
	h := sha1.Sum([]byte(filename + "|" + now.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h[:])[:12]
}

// Ingest normalizes one incoming (filename, firstPageText) pair into a
// queued Document. firstPageText is produced by fast inline PDF text
// extraction, never OCR, per step 3.
func (c *Coordinator) Ingest(ctx context.Context, filename string, firstPageText string, totalPages int, source model.Source) (Result, error) {
	docID := MintDocID(filename, time.Now())

	if !c.queue.Add(docID, filename, source) {
		return Result{DocID: docID, Status: "queued"}, nil
	}

	docType := DetectType(firstPageText)

	doc := &model.Document{
		DocID:      docID,
		Filename:   filename,
		Source:     source,
		Type:       docType,
		TotalPages: totalPages,
		Stage:      model.StageIngested,
		Progress:   5,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := c.index.Save(ctx, doc); err != nil {
		return Result{}, apperrors.NewTransientError(docID, fmt.Sprintf("save document: %v", err), err)
	}

	priority := priorityFor(docType)
	if err := c.scheduler.Enqueue(ctx, docID, priority); err != nil {
		return Result{}, apperrors.NewTransientError(docID, fmt.Sprintf("schedule document: %v", err), err)
	}

	return Result{DocID: docID, Status: "queued"}, nil
}

func priorityFor(t model.DocumentType) model.Priority {
	if t == model.TypeLoan {
		return model.PriorityLoan
	}
	return model.PriorityOther
}

// DetectType runs the ordered, first-match-wins coarse type detector
// over a page's inline text. No OCR is ever involved in this step.
func DetectType(text string) model.DocumentType {
	upper := strings.ToUpper(text)

	if strings.Contains(upper, "LOAN") || countAccountNumberCandidates(upper) > 1 {
		return model.TypeLoan
	}
	if strings.Contains(upper, "CERTIFICATE") {
		if containsAny(upper, "DEATH", "DECEASED", "DECEDENT", "CAUSE OF DEATH") {
			return model.TypeDeathCert
		}
		if strings.Contains(upper, "BIRTH") && (strings.Contains(upper, "DATE OF BIRTH") || strings.Contains(upper, "PLACE OF BIRTH")) {
			return model.TypeBirthCert
		}
		if strings.Contains(upper, "MARRIAGE") || (strings.Contains(upper, "BRIDE") && strings.Contains(upper, "GROOM")) {
			return model.TypeMarriageCert
		}
	}
	if containsAny(upper, "DRIVER", "LICENSE", "IDENTIFICATION CARD") {
		return model.TypeIDCard
	}
	return model.TypeGeneric
}

var accountNumberPattern = "ACCOUNT"

func countAccountNumberCandidates(upper string) int {
	return strings.Count(upper, accountNumberPattern)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
