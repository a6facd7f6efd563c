// Package pagestore is the Page Extraction Store (C8): strict
// priority-ordered reads and edit-reconciling writes over per-page
// field data. No fallback merging across priority levels.
package pagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusidp/document-processor/internal/blobstore"
	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/model"
)

// InMemoryCache is the Background Scheduler's transient per-document
// page cache (priority 3), serving reads while a stage is still
// writing. Implemented here as a narrow interface so the scheduler
// package can supply its live cache without an import cycle.
type InMemoryCache interface {
	GetPage(docID string, pageIndex int) (model.PageExtraction, bool)
}

// DocumentReader exposes the Document record's inline account page
// data (priority 2), read-only to this store.
type DocumentReader interface {
	GetDocument(ctx context.Context, docID string) (*model.Document, error)
}

// ActionType tags an update_page call for audit only.
type ActionType string

const (
	ActionTypeAdd    ActionType = "add"
	ActionTypeEdit   ActionType = "edit"
	ActionTypeDelete ActionType = "delete"
	ActionTypeCopy   ActionType = "copy"
)

// Delta is the caller-supplied mutation for one page.
type Delta struct {
	Set        map[string]string
	Delete     []string
	ActionType ActionType
}

// Store is the Page Extraction Store (C8).
type Store struct {
	blobs    blobstore.Store
	docs     DocumentReader
	inMemory InMemoryCache
}

func New(blobs blobstore.Store, docs DocumentReader, inMemory InMemoryCache) *Store {
	return &Store{blobs: blobs, docs: docs, inMemory: inMemory}
}

// GetPage implements the read side (§4.8.1): strict priority order,
// first hit wins, no fallback merging.
func (s *Store) GetPage(ctx context.Context, docID string, accountIndex *int, pageIndex int, stage model.Stage, progress int) (model.PageExtraction, error) {
	if pe, ok, err := s.readUserEditCache(ctx, docID, accountIndex, pageIndex); err != nil {
		return model.PageExtraction{}, err
	} else if ok {
		return pe, nil
	}

	if pe, ok, err := s.readInlineAccountData(ctx, docID, accountIndex, pageIndex); err != nil {
		return model.PageExtraction{}, err
	} else if ok {
		return pe, nil
	}

	if s.inMemory != nil {
		if pe, ok := s.inMemory.GetPage(docID, pageIndex); ok {
			return pe, nil
		}
	}

	return model.PageExtraction{}, apperrors.NewNotReadyError(docID, string(stage), progress)
}

func (s *Store) readUserEditCache(ctx context.Context, docID string, accountIndex *int, pageIndex int) (model.PageExtraction, bool, error) {
	key := blobstore.PageDataKey(docID, accountIndex, pageIndex)
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return model.PageExtraction{}, false, nil
		}
		return model.PageExtraction{}, false, err
	}
	var pe model.PageExtraction
	if err := json.Unmarshal(data, &pe); err != nil {
		return model.PageExtraction{}, false, apperrors.NewPermanentError(docID, fmt.Sprintf("corrupt page cache: %v", err))
	}
	return pe, true, nil
}

func (s *Store) readInlineAccountData(ctx context.Context, docID string, accountIndex *int, pageIndex int) (model.PageExtraction, bool, error) {
	if accountIndex == nil || s.docs == nil {
		return model.PageExtraction{}, false, nil
	}
	doc, err := s.docs.GetDocument(ctx, docID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return model.PageExtraction{}, false, nil
		}
		return model.PageExtraction{}, false, err
	}
	for i := range doc.Accounts {
		if doc.Accounts[i].AccountIndex != *accountIndex {
			continue
		}
		if pe, ok := doc.Accounts[i].PageData[pageIndex]; ok {
			return pe, true, nil
		}
	}
	return model.PageExtraction{}, false, nil
}

// UpdatePage implements the write side (§4.8.2): reconciliation that
// preserves untouched FieldValues byte-identical and never recomputes
// overall_confidence.
func (s *Store) UpdatePage(ctx context.Context, docID string, accountIndex *int, pageIndex int, delta Delta) (model.PageExtraction, error) {
	original, found, err := s.readUserEditCache(ctx, docID, accountIndex, pageIndex)
	if err != nil {
		return model.PageExtraction{}, err
	}
	if !found {
		if pe, ok, ierr := s.readInlineAccountData(ctx, docID, accountIndex, pageIndex); ierr != nil {
			return model.PageExtraction{}, ierr
		} else if ok {
			original = pe
		} else {
			original = model.NewPageExtraction()
		}
	}

	next := original.Clone()

	for _, name := range delta.Delete {
		delete(next.Data, name)
	}

	now := time.Now()
	for name, newValue := range delta.Set {
		existing, had := original.Data[name]
		if !had {
			next.Data[name] = model.FieldValue{
				Value:      newValue,
				Confidence: 100,
				Source:     model.SourceHumanAdded,
				EditedAt:   &now,
			}
			continue
		}
		if existing.Value == newValue {
			next.Data[name] = existing
			continue
		}
		next.Data[name] = model.FieldValue{
			Value:      newValue,
			Confidence: 100,
			Source:     model.SourceHumanCorrected,
			EditedAt:   &now,
		}
	}

	next.OverallConfidence = original.OverallConfidence
	next.Edited = true
	next.EditedAt = &now
	if delta.ActionType != "" {
		next.LastAction = model.LastAction(delta.ActionType)
	}

	data, err := json.Marshal(next)
	if err != nil {
		return model.PageExtraction{}, apperrors.NewPermanentError(docID, fmt.Sprintf("marshal page extraction: %v", err))
	}
	key := blobstore.PageDataKey(docID, accountIndex, pageIndex)
	if err := s.blobs.Put(ctx, key, data, "application/json"); err != nil {
		return model.PageExtraction{}, err
	}

	verify, _, verr := s.readUserEditCache(ctx, docID, accountIndex, pageIndex)
	if verr != nil {
		return model.PageExtraction{}, verr
	}
	return verify, nil
}
