package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nexusidp/document-processor/internal/model"
)

func TestDetectType_Loan(t *testing.T) {
	assert.Equal(t, model.TypeLoan, DetectType("THIS LOAN STATEMENT COVERS ACCOUNT 123"))
}

func TestDetectType_DeathCertificate(t *testing.T) {
	assert.Equal(t, model.TypeDeathCert, DetectType("CERTIFICATE OF DEATH\nCAUSE OF DEATH: NATURAL"))
}

func TestDetectType_BirthCertificate(t *testing.T) {
	assert.Equal(t, model.TypeBirthCert, DetectType("CERTIFICATE\nDATE OF BIRTH: 1990-01-01\nPLACE OF BIRTH: OHIO"))
}

func TestDetectType_MarriageCertificate(t *testing.T) {
	assert.Equal(t, model.TypeMarriageCert, DetectType("CERTIFICATE OF MARRIAGE\nBRIDE: Jane\nGROOM: John"))
}

func TestDetectType_IDCard(t *testing.T) {
	assert.Equal(t, model.TypeIDCard, DetectType("STATE DRIVER LICENSE"))
}

func TestDetectType_Generic(t *testing.T) {
	assert.Equal(t, model.TypeGeneric, DetectType("an ordinary letter with no markers"))
}

func TestMintDocID_Deterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := MintDocID("file.pdf", now)
	b := MintDocID("file.pdf", now)
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
}

func TestMintDocID_DiffersByTimestamp(t *testing.T) {
	a := MintDocID("file.pdf", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := MintDocID("file.pdf", time.Date(2026, 1, 1, 0, 0, 0, 1, time.UTC))
	assert.NotEqual(t, a, b)
}
