// Package docindex persists Document records. Backing store is Postgres
// (UPSERT on every save, matching the teacher's job-status persistence
// style), with a local per-document JSON snapshot kept as a secondary
// recovery artifact that Get reads when a Postgres query fails or finds
// no row. New requires Postgres to answer a ping; it does not start
// from the snapshot alone.
package docindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "github.com/lib/pq"

	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
)

// Index is a Postgres-backed Document store with a JSON fallback file.
// A single mutex guards every save so concurrent pipeline stages never
// interleave writes for the same or different documents.
type Index struct {
	mu         sync.Mutex
	db         *sql.DB
	fallback   string
	log        *logging.Logger
}

func New(ctx context.Context, databaseURL, fallbackPath string) (*Index, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Index{db: db, fallback: fallbackPath, log: logging.NewLogger("docindex")}, nil
}

// newFallbackOnly builds an Index with no database handle, exercising
// only the JSON snapshot path. Used by tests; Save/Get against this
// instance skip Postgres entirely rather than nil-panicking.
func newFallbackOnly(fallbackPath string) *Index {
	return &Index{fallback: fallbackPath, log: logging.NewLogger("docindex")}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT PRIMARY KEY,
	record JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// EnsureSchema creates the documents table if it does not exist.
func (ix *Index) EnsureSchema(ctx context.Context) error {
	_, err := ix.db.ExecContext(ctx, createTableSQL)
	return err
}

// Save upserts the full Document record and mirrors it into the local
// JSON fallback. A Postgres failure does not fail the save: the
// fallback file is the recovery path on next process start.
func (ix *Index) Save(ctx context.Context, doc *model.Document) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	record, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	if ix.db != nil {
		_, err = ix.db.ExecContext(ctx, `
			INSERT INTO documents (doc_id, record, updated_at)
			VALUES ($1, $2::jsonb, NOW())
			ON CONFLICT (doc_id) DO UPDATE SET
				record = EXCLUDED.record,
				updated_at = NOW()
		`, doc.DocID, record)
		if err != nil {
			ix.log.Error("postgres save failed, relying on fallback snapshot", "doc_id", doc.DocID, "error", err.Error())
		}
	}

	return ix.writeFallback(doc.DocID, record)
}

// Get loads a Document by id, preferring Postgres and falling back to
// the local snapshot file when the database call fails.
func (ix *Index) Get(ctx context.Context, docID string) (*model.Document, error) {
	if ix.db == nil {
		return ix.readFallback(docID)
	}

	var raw []byte
	err := ix.db.QueryRowContext(ctx, `SELECT record FROM documents WHERE doc_id = $1`, docID).Scan(&raw)
	if err == nil {
		var doc model.Document
		if uerr := json.Unmarshal(raw, &doc); uerr != nil {
			return nil, fmt.Errorf("corrupt document record: %w", uerr)
		}
		return &doc, nil
	}
	if err != sql.ErrNoRows {
		ix.log.Warn("postgres get failed, trying fallback snapshot", "doc_id", docID, "error", err.Error())
	}

	return ix.readFallback(docID)
}

func (ix *Index) fallbackPath(docID string) string {
	if ix.fallback == "" {
		return ""
	}
	return ix.fallback + "/" + docID + ".json"
}

func (ix *Index) writeFallback(docID string, record []byte) error {
	path := ix.fallbackPath(docID)
	if path == "" {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, record, 0644); err != nil {
		return fmt.Errorf("write fallback snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

func (ix *Index) readFallback(docID string) (*model.Document, error) {
	path := ix.fallbackPath(docID)
	if path == "" {
		return nil, apperrors.NewNotFoundError(docID, "document")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewNotFoundError(docID, "document")
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt fallback snapshot: %w", err)
	}
	return &doc, nil
}

// GetDocument satisfies pagestore.DocumentReader.
func (ix *Index) GetDocument(ctx context.Context, docID string) (*model.Document, error) {
	return ix.Get(ctx, docID)
}

func (ix *Index) Close() error {
	return ix.db.Close()
}
