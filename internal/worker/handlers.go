package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/techubos/techubagent-sub003/internal/config"
	"github.com/techubos/techubagent-sub003/internal/models"
	"github.com/techubos/techubagent-sub003/internal/retry"
)

// Handlers owns the remote dependencies behind the job-type registry. The
// domain services (transcriber, summarizer, history sync) are external; each
// handler just delivers the job to its service and reports transport-level
// success or failure.
type Handlers struct {
	cfg        config.Config
	httpClient *http.Client
	syncClient *http.Client
	retryCfg   retry.Config
	archive    payloadUploader
}

// NewHandlers constructs the handler set. The archive uploader is only
// wired when a bucket is configured; without it archive_payload jobs fail
// with a descriptive error instead of being silently skipped.
func NewHandlers(ctx context.Context, cfg config.Config) (*Handlers, error) {
	syncTimeout := cfg.HistoryTimeout
	if syncTimeout == 0 {
		syncTimeout = 10 * time.Second
	}

	h := &Handlers{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.DispatchTimeout},
		syncClient: &http.Client{Timeout: syncTimeout},
		retryCfg: retry.Config{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			Factor:       cfg.RetryFactor,
		},
	}
	if cfg.ArchiveS3Bucket != "" {
		uploader, err := newS3Uploader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.archive = uploader
	}
	return h, nil
}

// Register binds every known job type on the worker.
func (h *Handlers) Register(w *Worker) {
	w.RegisterHandler(models.JobTranscribeAudio, h.TranscribeAudio)
	w.RegisterHandler(models.JobGenerateSummary, h.GenerateSummary)
	w.RegisterHandler(models.JobSyncHistory, h.SyncHistory)
	w.RegisterHandler(models.JobArchivePayload, h.ArchivePayload)
}

// TranscribeAudio submits the job payload to the transcription service.
func (h *Handlers) TranscribeAudio(ctx context.Context, item models.QueueItem) error {
	return h.submit(ctx, h.cfg.TranscriberURL, "transcribe audio", item)
}

// GenerateSummary submits the job payload to the summarization service.
func (h *Handlers) GenerateSummary(ctx context.Context, item models.QueueItem) error {
	return h.submit(ctx, h.cfg.SummarizerURL, "generate summary", item)
}

// SyncHistory pulls conversation history through the sync service. The call
// is bound by the shorter sync timeout; a timed-out fetch is an ordinary
// failure and rides the normal retry path.
func (h *Handlers) SyncHistory(ctx context.Context, item models.QueueItem) error {
	body, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal history sync request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.HistorySyncURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build history sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", item.OrganizationID)

	resp, err := h.syncClient.Do(req)
	if err != nil {
		return fmt.Errorf("history sync: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("history sync returned %d", resp.StatusCode)
	}
	return nil
}

// ArchivePayload writes the job payload document to the archive bucket.
func (h *Handlers) ArchivePayload(ctx context.Context, item models.QueueItem) error {
	if h.archive == nil {
		return fmt.Errorf("archive bucket not configured")
	}
	doc, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal archive document: %w", err)
	}
	key := fmt.Sprintf("archive/%s/%s.json", item.OrganizationID, item.ID)
	if _, err := h.archive.Upload(ctx, key, doc, "application/json"); err != nil {
		return fmt.Errorf("archive payload: %w", err)
	}
	return nil
}

// submit delivers a job payload to a remote service with bounded retries.
func (h *Handlers) submit(ctx context.Context, url, label string, item models.QueueItem) error {
	body, err := json.Marshal(map[string]any{
		"job_id":          item.ID,
		"organization_id": item.OrganizationID,
		"payload":         item.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", label, err)
	}

	return retry.Run(ctx, h.retryCfg, label, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := h.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s returned %d", label, resp.StatusCode)
		}
		return nil
	}, nil)
}
