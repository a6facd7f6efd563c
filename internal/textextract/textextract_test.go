package textextract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexusidp/document-processor/internal/blobstore/blobstoretest"
)

func TestFirstPageText_PropagatesNotFound(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	ex := New(blobs)

	_, _, err := ex.FirstPageText(ctx, "uploads/missing.pdf")
	assert.Error(t, err)
}
