package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusidp/document-processor/internal/blobstore"
	"github.com/nexusidp/document-processor/internal/blobstore/blobstoretest"
	"github.com/nexusidp/document-processor/internal/docqueue"
	"github.com/nexusidp/document-processor/internal/llmextract"
	"github.com/nexusidp/document-processor/internal/model"
	"github.com/nexusidp/document-processor/internal/ocr"
)

type fakeDocStore struct {
	docs map[string]*model.Document
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string]*model.Document)}
}

func (f *fakeDocStore) Get(ctx context.Context, docID string) (*model.Document, error) {
	doc, ok := f.docs[docID]
	if !ok {
		return nil, assert.AnError
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocStore) Save(ctx context.Context, doc *model.Document) error {
	cp := *doc
	f.docs[doc.DocID] = &cp
	return nil
}

type failingPageFetcher struct {
	calls int32
}

func (f *failingPageFetcher) FetchPageImage(ctx context.Context, docID string, pageIndex int) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, assert.AnError
}

func (f *failingPageFetcher) FetchInlineText(ctx context.Context, docID string, pageIndex int) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return "", assert.AnError
}

type noopStatusSink struct{}

func (noopStatusSink) UpdateStatus(docID string, fn func(*model.SchedulerStatus)) {
	fn(&model.SchedulerStatus{})
}
func (noopStatusSink) PutPage(docID string, pageIndex int, pe model.PageExtraction) {}

func seedOCRCache(t *testing.T, blobs *blobstoretest.Fake, docID string, pages map[int]string) {
	t.Helper()
	cache := make(map[string]string)
	for p, text := range pages {
		cache[strconv.Itoa(p)] = text
	}
	data, err := json.Marshal(cache)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(context.Background(), blobstore.OCRTextCacheKey(docID), data, "application/json"))
}

func TestSignatureCardHolders_ExtractsNamesAndSSNs(t *testing.T) {
	text := "SIGNATURE CARD\nJane Q Doe\n123-45-6789\nJohn R Doe\n987-65-4321\n"
	holders := signatureCardHolders(text)
	require.Len(t, holders, 2)
	assert.Equal(t, "Jane Q Doe", holders[0].FullName)
	assert.Equal(t, "123-45-6789", holders[0].SSN)
	assert.Equal(t, "John R Doe", holders[1].FullName)
	assert.Equal(t, "987-65-4321", holders[1].SSN)
}

func TestSignatureCardHolders_RequiresBothNamesAndSSNs(t *testing.T) {
	assert.Nil(t, signatureCardHolders("just some prose with no ssn at all"))
	assert.Nil(t, signatureCardHolders("123-45-6789 but no name-shaped line here"))
}

func TestExtractRoleNames(t *testing.T) {
	text := "CERTIFICATE OF DEATH\nInformant: Mary Smith\nSurviving Spouse: John Smith"
	names := extractRoleNames(text)
	assert.Contains(t, names, "Mary Smith")
	assert.Contains(t, names, "John Smith")
}

func TestStageMap_PopulatesHoldersFromSignatureCardAndMatchesSupportingPages(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	docID := "doc1"

	seedOCRCache(t, blobs, docID, map[int]string{
		0: "ACCOUNT #: 1001\nSIGNATURE CARD\nJane Q Doe\n123-45-6789\n",
		1: "supporting page for Jane Q Doe with no account number on it",
	})

	index := newFakeDocStore()
	queue := docqueue.New("")
	ocrAdapter := ocr.New(blobs, "", "")
	llmAdapter := llmextract.New("", "")
	exec := New(blobs, index, queue, ocrAdapter, llmAdapter, &failingPageFetcher{}, noopStatusSink{})

	doc := &model.Document{
		DocID:      docID,
		TotalPages: 2,
		Type:       model.TypeLoan,
		Accounts: []model.Account{
			{AccountNumber: "1001", AccountIndex: 0, PageIndices: []int{0}},
		},
	}

	require.NoError(t, exec.stageMap(ctx, doc))

	require.Len(t, doc.Accounts[0].Holders, 1)
	assert.Equal(t, "Jane Q Doe", doc.Accounts[0].Holders[0].FullName)
	assert.Contains(t, doc.Accounts[0].PageIndices, 1)
	assert.Empty(t, doc.Unassociated)

	mappingData, err := blobs.Get(ctx, blobstore.PageMappingKey(docID))
	require.NoError(t, err)
	var mapping map[string]string
	require.NoError(t, json.Unmarshal(mappingData, &mapping))
	assert.Equal(t, "1001", mapping["0"])
	assert.Equal(t, "1001", mapping["1"])
}

func TestStageMap_VitalRecordSupportingPageMatchesByRole(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	docID := "doc2"

	seedOCRCache(t, blobs, docID, map[int]string{
		0: "ACCOUNT #: 2002\nSIGNATURE CARD\nJohn Smith\n111-22-3333\n",
		1: "STATE OF TEXAS CERTIFICATE OF DEATH\nSurviving Spouse: John Smith",
	})

	index := newFakeDocStore()
	queue := docqueue.New("")
	ocrAdapter := ocr.New(blobs, "", "")
	llmAdapter := llmextract.New("", "")
	exec := New(blobs, index, queue, ocrAdapter, llmAdapter, &failingPageFetcher{}, noopStatusSink{})

	doc := &model.Document{
		DocID:      docID,
		TotalPages: 2,
		Type:       model.TypeLoan,
		Accounts: []model.Account{
			{AccountNumber: "2002", AccountIndex: 0, PageIndices: []int{0}},
		},
	}

	require.NoError(t, exec.stageMap(ctx, doc))

	assert.Contains(t, doc.Accounts[0].PageIndices, 1)
	assert.Empty(t, doc.Unassociated)
}

func TestStageOCR_FullyPopulatedCachePerformsZeroOCRCalls(t *testing.T) {
	ctx := context.Background()
	blobs := blobstoretest.New()
	docID := "doc1"
	seedOCRCache(t, blobs, docID, map[int]string{0: "page zero text", 1: "page one text"})

	fetcher := &failingPageFetcher{}
	ocrAdapter := ocr.New(blobs, "", "")
	llmAdapter := llmextract.New("", "")
	index := newFakeDocStore()
	queue := docqueue.New("")

	exec := New(blobs, index, queue, ocrAdapter, llmAdapter, fetcher, noopStatusSink{})

	doc := &model.Document{DocID: docID, TotalPages: 2, Type: model.TypeGeneric}
	err := exec.stageOCR(ctx, doc)
	require.NoError(t, err)

	assert.Equal(t, int32(0), atomic.LoadInt32(&fetcher.calls))
}
