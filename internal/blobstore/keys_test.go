package blobstore

import "testing"

func TestPageDataKey_GenericVsAccountBased(t *testing.T) {
	generic := PageDataKey("doc1", nil, 3)
	if generic != "page_data/doc1/page_3.json" {
		t.Fatalf("unexpected generic key: %s", generic)
	}

	ai := 2
	accountBased := PageDataKey("doc1", &ai, 3)
	if accountBased != "page_data/doc1/account_2/page_3.json" {
		t.Fatalf("unexpected account-based key: %s", accountBased)
	}
}

func TestProcessingLogKey_MatchesUploadKey(t *testing.T) {
	upload := UploadKey("statement.pdf")
	log := ProcessingLogKey(upload)
	if log != "processing_logs/uploads/statement.pdf.status.json" {
		t.Fatalf("unexpected processing log key: %s", log)
	}
}

func TestOCRTextCacheKey_And_DocumentExtractionKey(t *testing.T) {
	if got := OCRTextCacheKey("doc1"); got != "ocr_cache/doc1/text_cache.json" {
		t.Fatalf("unexpected ocr cache key: %s", got)
	}
	if got := DocumentExtractionKey("doc1"); got != "document_extraction_cache/doc1/full_extraction.json" {
		t.Fatalf("unexpected document extraction key: %s", got)
	}
}
