// Package poller is the S3 Poller (C10): periodically scans the
// configured upload prefix and hands off new files to the ingestion
// coordinator, respecting the status blob's value (not just its
// existence) so an in-flight document is never re-submitted.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexusidp/document-processor/internal/blobstore"
	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/ingest"
	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
)

// Ingester is the narrow dependency on the Ingestion Coordinator.
type Ingester interface {
	Ingest(ctx context.Context, filename, firstPageText string, totalPages int, source model.Source) (ingest.Result, error)
}

// TextExtractor produces the first page's inline text for coarse type
// detection without invoking OCR.
type TextExtractor interface {
	FirstPageText(ctx context.Context, objectKey string) (string, int, error)
}

var _ Ingester = (*ingest.Coordinator)(nil)

// Poller is the S3 Poller (C10).
type Poller struct {
	blobs    blobstore.Store
	ingester Ingester
	text     TextExtractor
	interval time.Duration
	log      *logging.Logger
}

func New(blobs blobstore.Store, ingester Ingester, text TextExtractor, interval time.Duration) *Poller {
	return &Poller{blobs: blobs, ingester: ingester, text: text, interval: interval, log: logging.NewLogger("poller")}
}

// Run schedules a scan every p.interval as a cron "@every" job rather
// than a hand-rolled ticker loop. The expression is always built from
// p.interval; no other cron expression can be configured. Blocks until
// ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		if err := p.scanOnce(ctx); err != nil {
			p.log.Error("poller scan failed", "error", err.Error())
		}
	})
	if err != nil {
		p.log.Error("failed to schedule poller cron job", "error", err.Error())
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

const uploadsPrefix = "uploads/"

func (p *Poller) scanOnce(ctx context.Context) error {
	keys, err := p.blobs.List(ctx, uploadsPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasSuffix(strings.ToLower(key), ".pdf") {
			continue
		}
		if err := p.processCandidate(ctx, key); err != nil {
			p.log.Error("poller candidate failed", "key", key, "error", err.Error())
		}
	}
	return nil
}

func (p *Poller) processCandidate(ctx context.Context, key string) error {
	eligible, err := p.isEligible(ctx, key)
	if err != nil {
		return err
	}
	if !eligible {
		return nil
	}

	if err := p.markStatus(ctx, key, model.PollerProcessing, ""); err != nil {
		return err
	}

	text, totalPages, err := p.text.FirstPageText(ctx, key)
	if err != nil {
		_ = p.markStatus(ctx, key, model.PollerFailed, err.Error())
		return err
	}

	filename := strings.TrimPrefix(key, uploadsPrefix)
	if _, err := p.ingester.Ingest(ctx, filename, text, totalPages, model.SourcePoller); err != nil {
		_ = p.markStatus(ctx, key, model.PollerFailed, err.Error())
		return err
	}

	// The pipeline's final stage marks completed, not the poller: a
	// crashed coordinator must not leave a file falsely marked complete.
	return nil
}

// isEligible reads the status blob's value. A file whose status reads
// "processing" must never be re-submitted, even though it still exists.
func (p *Poller) isEligible(ctx context.Context, key string) (bool, error) {
	state, err := p.readStatus(ctx, key)
	if err != nil {
		if apperrors.IsCode(err, apperrors.NotFound) {
			return true, nil
		}
		return false, err
	}
	return state.Status == model.PollerNew, nil
}

func (p *Poller) readStatus(ctx context.Context, key string) (*model.PollerState, error) {
	data, err := p.blobs.Get(ctx, blobstore.ProcessingLogKey(key))
	if err != nil {
		return nil, err
	}
	var state model.PollerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperrors.NewPermanentError("", "corrupt poller status blob")
	}
	return &state, nil
}

func (p *Poller) markStatus(ctx context.Context, key string, status model.PollerStatus, errMsg string) error {
	state := model.PollerState{FileKey: key, Status: status, UpdatedAt: time.Now(), Error: errMsg}
	data, err := json.Marshal(state)
	if err != nil {
		return apperrors.NewPermanentError("", "marshal poller status")
	}
	return p.blobs.Put(ctx, blobstore.ProcessingLogKey(key), data, "application/json")
}
