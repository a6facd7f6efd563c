package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusidp/document-processor/internal/blobstore/blobstoretest"
	"github.com/nexusidp/document-processor/internal/ingest"
	"github.com/nexusidp/document-processor/internal/model"
)

type recordingIngester struct {
	calls int
}

func (r *recordingIngester) Ingest(ctx context.Context, filename, firstPageText string, totalPages int, source model.Source) (ingest.Result, error) {
	r.calls++
	return ingest.Result{DocID: "doc1", Status: "queued"}, nil
}

type fakeTextExtractor struct{}

func (fakeTextExtractor) FirstPageText(ctx context.Context, objectKey string) (string, int, error) {
	return "some text", 3, nil
}

func TestPoller_SkipsFileMarkedProcessing(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	require.NoError(t, blobs.Put(ctx, "uploads/a.pdf", []byte("pdf"), "application/pdf"))
	require.NoError(t, blobs.Put(ctx, "processing_logs/uploads/a.pdf.status.json",
		[]byte(`{"file_key":"uploads/a.pdf","status":"processing"}`), "application/json"))

	ingester := &recordingIngester{}
	p := New(blobs, ingester, fakeTextExtractor{}, time.Second)

	require.NoError(t, p.scanOnce(ctx))
	assert.Equal(t, 0, ingester.calls)
}

func TestPoller_ProcessesNewFile(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	require.NoError(t, blobs.Put(ctx, "uploads/b.pdf", []byte("pdf"), "application/pdf"))

	ingester := &recordingIngester{}
	p := New(blobs, ingester, fakeTextExtractor{}, time.Second)

	require.NoError(t, p.scanOnce(ctx))
	assert.Equal(t, 1, ingester.calls)

	state, err := p.readStatus(ctx, "uploads/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, model.PollerProcessing, state.Status)
}

func TestPoller_IgnoresNonPDFKeys(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	require.NoError(t, blobs.Put(ctx, "uploads/readme.txt", []byte("x"), "text/plain"))

	ingester := &recordingIngester{}
	p := New(blobs, ingester, fakeTextExtractor{}, time.Second)

	require.NoError(t, p.scanOnce(ctx))
	assert.Equal(t, 0, ingester.calls)
}
