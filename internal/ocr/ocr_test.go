package ocr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusidp/document-processor/internal/blobstore/blobstoretest"
)

func TestExtractPage_InlineTextSkipsOCR(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()

	adapter := New(blobs, "", "")
	page, err := adapter.ExtractPage(ctx, "doc1", 0, nil, "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", page.Text)
	assert.True(t, page.FromInlineText)
}

func TestExtractPage_CacheHitReturnsStoredText(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()

	adapter := New(blobs, "", "")
	_, err := adapter.ExtractPage(ctx, "doc1", 3, nil, "first pass")
	require.NoError(t, err)

	page, err := adapter.ExtractPage(ctx, "doc1", 3, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "first pass", page.Text)
	assert.False(t, page.FromInlineText)
}
