package docindex

import (
	"context"
	"testing"

	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGet_RoundTripsThroughFallbackSnapshot(t *testing.T) {
	ix := newFallbackOnly(t.TempDir())
	ctx := context.Background()

	doc := &model.Document{DocID: "doc1", Filename: "a.pdf", Stage: model.StageOCR, Progress: 40}
	require.NoError(t, ix.Save(ctx, doc))

	got, err := ix.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", got.Filename)
	assert.Equal(t, model.StageOCR, got.Stage)
	assert.Equal(t, 40, got.Progress)
}

func TestGet_MissingDocumentReturnsNotFound(t *testing.T) {
	ix := newFallbackOnly(t.TempDir())
	_, err := ix.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.NotFound))
}

func TestGetDocument_DelegatesToGet(t *testing.T) {
	ix := newFallbackOnly(t.TempDir())
	ctx := context.Background()
	require.NoError(t, ix.Save(ctx, &model.Document{DocID: "doc2"}))

	got, err := ix.GetDocument(ctx, "doc2")
	require.NoError(t, err)
	assert.Equal(t, "doc2", got.DocID)
}
