// Package pipeline is the Pipeline Executor (C7): runs the per-document
// stage graph, branching by document type. Stage boundaries are the
// mandatory cancel/retry checkpoints.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nexusidp/document-processor/internal/blobstore"
	"github.com/nexusidp/document-processor/internal/docindex"
	"github.com/nexusidp/document-processor/internal/docqueue"
	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/ingest"
	"github.com/nexusidp/document-processor/internal/llmextract"
	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
	"github.com/nexusidp/document-processor/internal/namematch"
	"github.com/nexusidp/document-processor/internal/ocr"
)

const (
	ocrWorkers   = 5
	llmWorkers   = 3
	maxRetries   = 3
)

// PageFetcher retrieves the raw page image bytes the OCR adapter needs.
// A real deployment wires this to whatever produced the original PDF
// pages (uploads/ blob + page rasterizer).
type PageFetcher interface {
	FetchPageImage(ctx context.Context, docID string, pageIndex int) ([]byte, error)
	FetchInlineText(ctx context.Context, docID string, pageIndex int) (string, error)
}

// StatusSink receives progress updates and in-memory page writes so the
// scheduler can serve live status and priority-3 page reads.
type StatusSink interface {
	UpdateStatus(docID string, fn func(*model.SchedulerStatus))
	PutPage(docID string, pageIndex int, pe model.PageExtraction)
}

// DocStore is the narrow document-index dependency (implemented by
// internal/docindex.Index), kept as an interface so tests can supply an
// in-memory fake instead of a real Postgres connection.
type DocStore interface {
	Get(ctx context.Context, docID string) (*model.Document, error)
	Save(ctx context.Context, doc *model.Document) error
}

var _ DocStore = (*docindex.Index)(nil)

// Executor is the Pipeline Executor (C7).
type Executor struct {
	blobs  blobstore.Store
	index  DocStore
	queue  *docqueue.Queue
	ocr    *ocr.Adapter
	llm    *llmextract.Adapter
	pages  PageFetcher
	status StatusSink
	log    *logging.Logger
}

func New(blobs blobstore.Store, index DocStore, queue *docqueue.Queue, ocrAdapter *ocr.Adapter, llmAdapter *llmextract.Adapter, pages PageFetcher, status StatusSink) *Executor {
	return &Executor{
		blobs:  blobs,
		index:  index,
		queue:  queue,
		ocr:    ocrAdapter,
		llm:    llmAdapter,
		pages:  pages,
		status: status,
		log:    logging.NewLogger("pipeline"),
	}
}

// Run executes the full stage graph for docID, branching by type.
func (e *Executor) Run(ctx context.Context, docID string) error {
	e.queue.MarkProcessing(docID)

	doc, err := e.index.Get(ctx, docID)
	if err != nil {
		return apperrors.NewPermanentError(docID, fmt.Sprintf("load document: %v", err))
	}

	runErr := e.runWithRetry(ctx, doc)
	if runErr != nil {
		if apperrors.IsCode(runErr, apperrors.Permanent) {
			doc.Stage = model.StageFailed
			doc.Error = runErr.Error()
			_ = e.index.Save(ctx, doc)
			e.queue.MarkFailed(docID, runErr.Error())
		} else {
			// Cancelled or still-retryable: revert to queued so the next
			// scheduler pass can pick the document back up instead of
			// leaving it stuck in processing.
			e.queue.MarkQueued(docID)
		}
		return runErr
	}

	doc.Stage = model.StageCompleted
	doc.Progress = 100
	if err := e.index.Save(ctx, doc); err != nil {
		return apperrors.NewTransientError(docID, fmt.Sprintf("save completed document: %v", err), err)
	}
	e.queue.MarkCompleted(docID)

	// The final stage, not the poller, marks the upload's processing log
	// completed.
	uploadKey := blobstore.UploadKey(doc.Filename)
	state := model.PollerState{FileKey: uploadKey, Status: model.PollerCompleted, UpdatedAt: time.Now()}
	if data, err := json.Marshal(state); err == nil {
		if err := e.blobs.Put(ctx, blobstore.ProcessingLogKey(uploadKey), data, "application/json"); err != nil {
			e.log.Warn("failed to mark processing log completed", "doc_id", docID, "error", err.Error())
		}
	}
	return nil
}

// runWithRetry runs the stages up to maxRetries times in total,
// retrying at the stage boundary after a Transient failure; a Permanent
// failure is never retried.
func (e *Executor) runWithRetry(ctx context.Context, doc *model.Document) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := e.runStages(ctx, doc)
		if err == nil {
			return nil
		}
		if !apperrors.Retryable(err) {
			return err
		}
		lastErr = err
		e.log.Warn("stage failed, retrying", "doc_id", doc.DocID, "attempt", attempt, "error", err.Error())
		if ctx.Err() != nil {
			return apperrors.NewTransientError(doc.DocID, "cancelled during retry", ctx.Err())
		}
	}
	return apperrors.NewPermanentError(doc.DocID, fmt.Sprintf("exhausted retries: %v", lastErr))
}

func (e *Executor) runStages(ctx context.Context, doc *model.Document) error {
	if err := e.stageOCR(ctx, doc); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return apperrors.NewTransientError(doc.DocID, "cancelled after ocr stage", ctx.Err())
	}

	if doc.Type == model.TypeLoan {
		if err := e.stageSplit(ctx, doc); err != nil {
			return err
		}
		if err := e.stageMap(ctx, doc); err != nil {
			return err
		}
		if err := e.stageExtract(ctx, doc); err != nil {
			return err
		}
	} else {
		if err := e.stageExtractWhole(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// stageOCR fetches text for every page, OCR_WORKERS in parallel.
// Re-running on a document with a fully populated OCR cache performs
// zero OCR calls, since ocr.Adapter checks the cache before calling out.
func (e *Executor) stageOCR(ctx context.Context, doc *model.Document) error {
	e.setStage(doc.DocID, model.StageOCR, 40)

	sem := semaphore.NewWeighted(ocrWorkers)
	var wg sync.WaitGroup
	errs := make(chan error, doc.TotalPages)

	for p := 0; p < doc.TotalPages; p++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return apperrors.NewTransientError(doc.DocID, "cancelled acquiring ocr worker", err)
		}
		wg.Add(1)
		go func(pageIndex int) {
			defer wg.Done()
			defer sem.Release(1)

			cached, cerr := e.ocr.IsCached(ctx, doc.DocID, pageIndex)
			if cerr != nil {
				errs <- cerr
				return
			}
			if cached {
				return
			}

			inline, ierr := e.pages.FetchInlineText(ctx, doc.DocID, pageIndex)
			if ierr != nil {
				errs <- apperrors.NewTransientError(doc.DocID, fmt.Sprintf("fetch inline text page %d: %v", pageIndex, ierr), ierr)
				return
			}
			var imageBytes []byte
			if inline == "" {
				imageBytes, ierr = e.pages.FetchPageImage(ctx, doc.DocID, pageIndex)
				if ierr != nil {
					errs <- apperrors.NewTransientError(doc.DocID, fmt.Sprintf("fetch page image %d: %v", pageIndex, ierr), ierr)
					return
				}
			}
			if _, err := e.ocr.ExtractPage(ctx, doc.DocID, pageIndex, imageBytes, inline); err != nil {
				errs <- err
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

var accountNumberRegex = regexp.MustCompile(`\bACCOUNT\s*#?\s*:?\s*([A-Z0-9][A-Z0-9\-]{3,})\b`)

// stageSplit scans OCR text for account-number regexes and assigns
// contiguous page ranges to accounts.
func (e *Executor) stageSplit(ctx context.Context, doc *model.Document) error {
	seen := map[string]int{}
	var accounts []model.Account

	for p := 0; p < doc.TotalPages; p++ {
		cache, err := e.readOCRCache(ctx, doc.DocID)
		if err != nil {
			return err
		}
		text := cache[fmt.Sprintf("%d", p)]
		match := accountNumberRegex.FindStringSubmatch(strings.ToUpper(text))
		if match == nil {
			if len(accounts) > 0 {
				last := &accounts[len(accounts)-1]
				last.PageIndices = append(last.PageIndices, p)
			}
			continue
		}
		normalized := normalizeAccountNumber(match[1])
		if idx, ok := seen[normalized]; ok {
			accounts[idx].PageIndices = append(accounts[idx].PageIndices, p)
			continue
		}
		seen[normalized] = len(accounts)
		accounts = append(accounts, model.Account{
			AccountNumber: normalized,
			AccountIndex:  len(accounts),
			PageIndices:   []int{p},
		})
	}

	doc.Accounts = accounts
	return e.index.Save(ctx, doc)
}

func normalizeAccountNumber(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "O", "0")
	return s
}

// ssnPattern recognizes an SSN with or without separators, the density
// signal of a signature-card page.
var ssnPattern = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)

// nameLinePattern recognizes a line that is plausibly just a person's
// name: two to four capitalized words and nothing else.
var nameLinePattern = regexp.MustCompile(`^[A-Z][a-z'.-]*(?:\s+[A-Z][a-z'.-]*){1,3}$`)

// signatureCardHolders extracts a page's holder candidates when the page
// matches the signature-card profile (name lines alongside SSNs); returns
// nil unless the page has at least one SSN and one name-shaped line.
func signatureCardHolders(text string) []model.Holder {
	ssns := ssnPattern.FindAllString(text, -1)
	if len(ssns) == 0 {
		return nil
	}

	var nameLines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if nameLinePattern.MatchString(trimmed) {
			nameLines = append(nameLines, trimmed)
		}
	}
	if len(nameLines) == 0 {
		return nil
	}

	holders := make([]model.Holder, len(nameLines))
	for i, name := range nameLines {
		holders[i] = model.Holder{FullName: name}
		if i < len(ssns) {
			holders[i].SSN = ssns[i]
		}
	}
	return holders
}

// roleLabelPattern extracts the name following a role label on a vital
// record: surviving spouse, informant, bride/groom, or parent.
var roleLabelPattern = regexp.MustCompile(`((?i:SURVIVING SPOUSE|INFORMANT|BRIDE|GROOM|FATHER|MOTHER|PARENT))\s*:?\s*([A-Z][A-Za-z'.-]+(?:[ \t]+[A-Z][A-Za-z'.-]+){0,3})`)

func extractRoleNames(text string) []string {
	matches := roleLabelPattern.FindAllStringSubmatch(text, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[2])
	}
	return names
}

// stageMap populates each account's holder set by scanning its
// signature-card-like pages first, then runs the name-matching engine
// against every page without a direct account number, falling back to
// role-based matching on vital-record supporting pages, and flags
// whatever's left unassociated for manual review.
func (e *Executor) stageMap(ctx context.Context, doc *model.Document) error {
	e.setStage(doc.DocID, model.StageMap, 75)

	assigned := map[int]bool{}
	for _, acct := range doc.Accounts {
		for _, p := range acct.PageIndices {
			assigned[p] = true
		}
	}

	for i := range doc.Accounts {
		for _, p := range doc.Accounts[i].PageIndices {
			cache, err := e.readOCRCache(ctx, doc.DocID)
			if err != nil {
				return err
			}
			if holders := signatureCardHolders(cache[fmt.Sprintf("%d", p)]); holders != nil {
				doc.Accounts[i].Holders = append(doc.Accounts[i].Holders, holders...)
			}
		}
	}

	var unassociated []int
	for p := 0; p < doc.TotalPages; p++ {
		if assigned[p] {
			continue
		}
		cache, err := e.readOCRCache(ctx, doc.DocID)
		if err != nil {
			return err
		}
		text := cache[fmt.Sprintf("%d", p)]

		matched := false
		for i := range doc.Accounts {
			for _, holder := range doc.Accounts[i].Holders {
				if namematch.MatchHolder(text, holder, doc.Accounts[i].AccountNumber).Matched {
					doc.Accounts[i].PageIndices = append(doc.Accounts[i].PageIndices, p)
					matched = true
				}
			}
		}

		if !matched && ingest.DetectType(text).IsVitalRecord() {
			for _, roleName := range extractRoleNames(text) {
				for i := range doc.Accounts {
					for _, holder := range doc.Accounts[i].Holders {
						if namematch.MatchRole(roleName, holder).Matched {
							doc.Accounts[i].PageIndices = append(doc.Accounts[i].PageIndices, p)
							matched = true
						}
					}
				}
			}
		}

		if !matched {
			unassociated = append(unassociated, p)
		}
	}

	doc.Unassociated = unassociated
	if err := e.index.Save(ctx, doc); err != nil {
		return err
	}
	return e.writePageMapping(ctx, doc)
}

// writePageMapping persists the page-index -> account-number cache once
// S_MAP has finalized every page's assignment.
func (e *Executor) writePageMapping(ctx context.Context, doc *model.Document) error {
	mapping := make(map[string]string, doc.TotalPages)
	for _, acct := range doc.Accounts {
		for _, p := range acct.PageIndices {
			mapping[fmt.Sprintf("%d", p)] = acct.AccountNumber
		}
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return apperrors.NewPermanentError(doc.DocID, err.Error())
	}
	return e.blobs.Put(ctx, blobstore.PageMappingKey(doc.DocID), data, "application/json")
}

// stageExtract groups each account's pages into BATCH_PAGES batches,
// invokes the LLM adapter per batch, and writes one PageExtraction per
// page. Up to LLM_WORKERS batches run concurrently across all accounts.
func (e *Executor) stageExtract(ctx context.Context, doc *model.Document) error {
	e.setStage(doc.DocID, model.StageExtract, 95)

	type batchJob struct {
		accountIndex int
		pages        []int
	}
	var jobs []batchJob
	for _, acct := range doc.Accounts {
		pages := sortedCopy(acct.PageIndices)
		for i := 0; i < len(pages); i += llmextract.BatchPages {
			end := i + llmextract.BatchPages
			if end > len(pages) {
				end = len(pages)
			}
			jobs = append(jobs, batchJob{accountIndex: acct.AccountIndex, pages: pages[i:end]})
		}
	}

	sem := semaphore.NewWeighted(llmWorkers)
	var wg sync.WaitGroup
	errs := make(chan error, len(jobs))

	for _, j := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return apperrors.NewTransientError(doc.DocID, "cancelled acquiring llm worker", err)
		}
		wg.Add(1)
		go func(j batchJob) {
			defer wg.Done()
			defer sem.Release(1)

			cache, err := e.readOCRCache(ctx, doc.DocID)
			if err != nil {
				errs <- err
				return
			}
			texts := make([]string, len(j.pages))
			for i, p := range j.pages {
				texts[i] = cache[fmt.Sprintf("%d", p)]
			}

			extractions, err := e.llm.ExtractBatch(ctx, doc.DocID, texts, llmextract.LoanPrompt)
			if err != nil {
				errs <- err
				return
			}
			accountIndex := j.accountIndex
			for i, p := range j.pages {
				extractions[i].AccountNumber = accountNumberFor(doc, accountIndex)
				if err := e.writePageExtraction(ctx, doc.DocID, &accountIndex, p, extractions[i]); err != nil {
					errs <- err
					return
				}
				e.status.PutPage(doc.DocID, p, extractions[i])
			}
		}(j)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// stageExtractWhole runs a single LLM invocation over concatenated page
// text for non-loan documents, writing a DocumentExtraction.
func (e *Executor) stageExtractWhole(ctx context.Context, doc *model.Document) error {
	e.setStage(doc.DocID, model.StageExtractWhole, 95)

	cache, err := e.readOCRCache(ctx, doc.DocID)
	if err != nil {
		return err
	}
	var b strings.Builder
	for p := 0; p < doc.TotalPages; p++ {
		b.WriteString(cache[fmt.Sprintf("%d", p)])
		b.WriteString("\n")
	}

	extractions, err := e.llm.ExtractBatch(ctx, doc.DocID, []string{b.String()}, llmextract.GenericPrompt)
	if err != nil {
		return err
	}

	data, err := marshalPageExtraction(extractions[0])
	if err != nil {
		return apperrors.NewPermanentError(doc.DocID, err.Error())
	}
	if err := e.blobs.Put(ctx, blobstore.DocumentExtractionKey(doc.DocID), data, "application/json"); err != nil {
		return err
	}
	return nil
}

func (e *Executor) writePageExtraction(ctx context.Context, docID string, accountIndex *int, pageIndex int, pe model.PageExtraction) error {
	data, err := marshalPageExtraction(pe)
	if err != nil {
		return apperrors.NewPermanentError(docID, err.Error())
	}
	return e.blobs.Put(ctx, blobstore.PageDataKey(docID, accountIndex, pageIndex), data, "application/json")
}

func (e *Executor) readOCRCache(ctx context.Context, docID string) (map[string]string, error) {
	data, err := e.blobs.Get(ctx, blobstore.OCRTextCacheKey(docID))
	if err != nil {
		return nil, err
	}
	cache, err := unmarshalTextCache(data)
	if err != nil {
		return nil, apperrors.NewPermanentError(docID, err.Error())
	}
	return cache, nil
}

func (e *Executor) setStage(docID string, stage model.Stage, progress int) {
	e.status.UpdateStatus(docID, func(st *model.SchedulerStatus) {
		st.Stage = stage
		st.Progress = progress
	})
}

func accountNumberFor(doc *model.Document, accountIndex int) string {
	for _, a := range doc.Accounts {
		if a.AccountIndex == accountIndex {
			return a.AccountNumber
		}
	}
	return ""
}

func sortedCopy(in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	sort.Ints(out)
	return out
}

func marshalPageExtraction(pe model.PageExtraction) ([]byte, error) {
	data, err := json.Marshal(pe)
	if err != nil {
		return nil, fmt.Errorf("marshal page extraction: %w", err)
	}
	return data, nil
}

func unmarshalTextCache(data []byte) (map[string]string, error) {
	var cache map[string]string
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("corrupt ocr cache: %w", err)
	}
	return cache, nil
}
