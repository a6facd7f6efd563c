package docpages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusidp/document-processor/internal/blobstore"
	"github.com/nexusidp/document-processor/internal/blobstore/blobstoretest"
	"github.com/nexusidp/document-processor/internal/model"
)

type fakeDocs struct {
	docs map[string]*model.Document
}

func (f *fakeDocs) GetDocument(ctx context.Context, docID string) (*model.Document, error) {
	return f.docs[docID], nil
}

func TestFetchPageImage_ReturnsUploadBytes(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	require.NoError(t, blobs.Put(ctx, blobstore.UploadKey("a.pdf"), []byte("pdf-bytes"), "application/pdf"))

	docs := &fakeDocs{docs: map[string]*model.Document{"doc1": {DocID: "doc1", Filename: "a.pdf"}}}
	f := New(blobs, docs)

	data, err := f.FetchPageImage(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf-bytes"), data)
}
