// Package model holds the data types shared across the ingestion,
// pipeline, and page-store components: Document, Page, Account,
// FieldValue, PageExtraction, QueueEntry, and PollerState.
package model

import "time"

// DocumentType is a tagged variant over the coarse document classes the
// ingestion coordinator detects. A per-stage switch dispatches on this;
// there is no polymorphic type hierarchy.
type DocumentType string

const (
	TypeLoan         DocumentType = "loan"
	TypeDeathCert    DocumentType = "death_cert"
	TypeBirthCert    DocumentType = "birth_cert"
	TypeMarriageCert DocumentType = "marriage_cert"
	TypeIDCard       DocumentType = "id_card"
	TypeGeneric      DocumentType = "generic"
)

// IsVitalRecord reports whether the type is a family/vital-record
// document eligible for role-based name matching.
func (t DocumentType) IsVitalRecord() bool {
	switch t {
	case TypeDeathCert, TypeBirthCert, TypeMarriageCert:
		return true
	default:
		return false
	}
}

// Source identifies which ingestion path produced a document.
type Source string

const (
	SourceDirect            Source = "direct"
	SourcePoller            Source = "poller"
	SourceSecondaryUploader Source = "secondary_uploader"
)

// Stage is a pipeline stage name. Stage boundaries are the mandatory
// cancel/retry checkpoints.
type Stage string

const (
	StageIngested  Stage = "ingested"
	StageOCR       Stage = "ocr"
	StageSplit     Stage = "split"
	StageMap       Stage = "map"
	StageExtract   Stage = "extract"
	StageExtractWhole Stage = "extract_whole"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Document is the top-level record tracked in the local index.
// Invariant: at most one Document record exists per DocID.
type Document struct {
	DocID        string       `json:"doc_id"`
	Filename     string       `json:"filename"`
	Source       Source       `json:"source"`
	Type         DocumentType `json:"type"`
	TotalPages   int          `json:"total_pages"`
	Stage        Stage        `json:"stage"`
	Progress     int          `json:"progress"`
	Accounts     []Account    `json:"accounts"`
	Unassociated []int        `json:"unassociated_pages,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Holder is a person associated with a loan Account.
type Holder struct {
	FullName string `json:"full_name"`
	SSN      string `json:"ssn,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Account groups a contiguous range of pages under one account number
// within a loan document. Pages reference accounts by index only;
// accounts carry no back-pointer beyond their own page list.
type Account struct {
	AccountNumber string   `json:"account_number"`
	AccountIndex  int      `json:"account_index"`
	PageIndices   []int    `json:"page_indices"`
	Holders       []Holder `json:"holders"`
	// PageData is the legacy inline fast path, priority 2 in the page
	// read cache: populated by the pipeline, read-only to the page store.
	PageData map[int]PageExtraction `json:"page_data,omitempty"`
}

// FieldSource records the provenance of a FieldValue.
type FieldSource string

const (
	SourceAIExtracted    FieldSource = "ai_extracted"
	SourceHumanAdded     FieldSource = "human_added"
	SourceHumanCorrected FieldSource = "human_corrected"
)

// FieldValue is the atomic extraction unit.
// Invariant: source=human_added or human_corrected implies confidence=100.
type FieldValue struct {
	Value      string      `json:"value"`
	Confidence int         `json:"confidence"`
	Source     FieldSource `json:"source"`
	EditedAt   *time.Time  `json:"edited_at,omitempty"`
}

// LastAction records the nature of the most recent mutation to a
// PageExtraction, for audit only.
type LastAction string

const (
	ActionExtract LastAction = "extract"
	ActionAdd     LastAction = "add"
	ActionEdit    LastAction = "edit"
	ActionDelete  LastAction = "delete"
)

// PageExtraction is the flat field-name -> FieldValue map for one page
// (or, for generic documents, for the whole document). Field names are
// discovered by the LLM, so this is deliberately an open map rather than
// a fixed struct — never give it a fixed schema.
type PageExtraction struct {
	Data              map[string]FieldValue `json:"data"`
	OverallConfidence float64               `json:"overall_confidence"`
	AccountNumber     string                `json:"account_number,omitempty"`
	PromptVersion     string                `json:"prompt_version"`
	Edited            bool                  `json:"edited"`
	EditedAt          *time.Time            `json:"edited_at,omitempty"`
	LastAction        LastAction            `json:"last_action,omitempty"`
}

// NewPageExtraction returns an empty, initialized PageExtraction.
func NewPageExtraction() PageExtraction {
	return PageExtraction{Data: make(map[string]FieldValue)}
}

// Clone returns a deep copy so callers can safely mutate the result
// without aliasing the cached original.
func (p PageExtraction) Clone() PageExtraction {
	next := p
	next.Data = make(map[string]FieldValue, len(p.Data))
	for k, v := range p.Data {
		next.Data[k] = v
	}
	return next
}

// QueueStatus is the lifecycle state of a QueueEntry. Terminal states
// (completed, failed) are sticky.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry tracks one document through the dedup/queue lifecycle.
type QueueEntry struct {
	DocID       string      `json:"doc_id"`
	Filename    string      `json:"filename"`
	Source      Source      `json:"source"`
	Status      QueueStatus `json:"status"`
	AddedAt     time.Time   `json:"added_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// PollerStatus is the per-object status tracked by the S3 poller.
type PollerStatus string

const (
	PollerNew        PollerStatus = "new"
	PollerProcessing PollerStatus = "processing"
	PollerCompleted  PollerStatus = "completed"
	PollerFailed     PollerStatus = "failed"
)

// PollerState is the persisted status record for one object key.
type PollerState struct {
	FileKey   string       `json:"file_key"`
	Status    PollerStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
	Error     string       `json:"error,omitempty"`
}

// SchedulerStatus is the per-document progress record the Background
// Scheduler exposes for status endpoints.
type SchedulerStatus struct {
	Stage          Stage
	Progress       int
	PagesProcessed int
	TotalPages     int
	Error          string
}

// Priority orders the Background Scheduler's job heap: lower runs
// first. Derived from DocumentType at ingestion time.
type Priority int

const (
	PriorityLoan  Priority = 0
	PriorityOther Priority = 1
	PriorityBulk  Priority = 2
)
