/**
 * Document Processor Worker - Main Entry Point
 *
 * Go worker for intelligent document processing: OCR extraction, LLM
 * field extraction, and human-edit reconciliation over loan packages
 * and vital records.
 *
 * Architecture:
 * - In-process priority scheduler (C9) driving the per-document
 *   pipeline executor (C7)
 * - 3-stage OCR cascade: cache -> inline PDF text -> external/Tesseract
 * - LLM-based flat field extraction, batched per document type
 * - S3 poller (C10) discovering uploads alongside the direct REST path
 * - Postgres-backed document index with local JSON fallback
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexusidp/document-processor/internal/api"
	"github.com/nexusidp/document-processor/internal/blobstore"
	"github.com/nexusidp/document-processor/internal/config"
	"github.com/nexusidp/document-processor/internal/docindex"
	"github.com/nexusidp/document-processor/internal/docpages"
	"github.com/nexusidp/document-processor/internal/docqueue"
	"github.com/nexusidp/document-processor/internal/ingest"
	"github.com/nexusidp/document-processor/internal/llmextract"
	"github.com/nexusidp/document-processor/internal/ocr"
	"github.com/nexusidp/document-processor/internal/pagestore"
	"github.com/nexusidp/document-processor/internal/pipeline"
	"github.com/nexusidp/document-processor/internal/poller"
	"github.com/nexusidp/document-processor/internal/scheduler"
	"github.com/nexusidp/document-processor/internal/textextract"
)

func main() {
	cfg := config.Load()

	log.Printf("document-processor worker starting...")
	log.Printf("bucket=%s workers=%d ocr_workers=%d llm_workers=%d poll_interval=%ds",
		cfg.BlobBucket, cfg.MaxWorkers, cfg.OCRWorkers, cfg.LLMWorkers, cfg.PollIntervalSeconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := blobstore.New(ctx, cfg.BlobBucket, cfg.BlobRegion, cfg.BlobPrefix)
	if err != nil {
		log.Fatalf("failed to initialize blob store: %v", err)
	}

	stateDir := os.Getenv("STATE_DIR")
	if stateDir == "" {
		stateDir = "./state"
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.Fatalf("failed to create state dir: %v", err)
	}

	index, err := docindex.New(ctx, cfg.DatabaseURL, stateDir)
	if err != nil {
		log.Fatalf("failed to initialize document index: %v", err)
	}
	if err := index.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure document index schema: %v", err)
	}
	defer index.Close()

	queue := docqueue.New(fmt.Sprintf("%s/.document_processing_queue.json", stateDir))
	if notifier, err := docqueue.NewRedisNotifier(cfg.RedisURL); err != nil {
		log.Printf("queue notifications disabled: %v", err)
	} else {
		queue.SetNotifier(notifier, "document_processing_queue.events")
	}

	ocrAdapter := ocr.New(blobs, cfg.TesseractPath, cfg.OCRServiceURL)
	llmAdapter := llmextract.New(cfg.LLMBaseURL, cfg.LLMAPIKey)
	pages := docpages.New(blobs, index)

	// The scheduler and the pipeline executor each depend on the other's
	// interface (StatusSink / Pipeline); SetPipeline breaks the cycle.
	sched := scheduler.New(cfg.MaxWorkers, nil)
	executor := pipeline.New(blobs, index, queue, ocrAdapter, llmAdapter, pages, sched)
	sched.SetPipeline(executor)

	coordinator := ingest.New(queue, index, sched)

	store := pagestore.New(blobs, index, sched)

	textExtractor := textextract.New(blobs)
	s3Poller := poller.New(blobs, coordinator, textExtractor, time.Duration(cfg.PollIntervalSeconds)*time.Second)

	server := api.New(blobs, coordinator, textExtractor, sched, store, index, cfg.MaxFileSize)

	go sched.Start(ctx)
	go s3Poller.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	server.Routes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Printf("REST surface listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	log.Printf("===========================================")
	log.Printf("document-processor worker is READY")
	log.Printf("===========================================")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	log.Printf("received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down http server: %v", err)
	}

	cancel() // stops the scheduler and poller; scheduler.Start joins in-flight workers before returning
	log.Printf("shutdown complete")
}
