package serverless

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/perplex/internal/logger"
	"github.com/samcharles93/perplex/internal/version"
)

// idPlaceholder is replaced with the worker id in the job URL and with the
// job id in the result URL.
const idPlaceholder = "$ID"

type WorkerConfig struct {
	// JobURL is polled for the next job.
	JobURL string
	// ResultURL receives each job's output.
	ResultURL string
	// APIKey is sent verbatim in the Authorization header.
	APIKey   string
	WorkerID string
	// PollInterval is the pause after an empty poll or a failed request.
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Worker pulls jobs from the platform one at a time and posts their results.
type Worker struct {
	cfg     WorkerConfig
	handler JobHandler
}

func NewWorker(cfg WorkerConfig, handler JobHandler) (*Worker, error) {
	if handler == nil {
		return nil, errors.New("serverless: job handler is required")
	}
	if cfg.JobURL == "" || cfg.ResultURL == "" {
		return nil, errors.New("serverless: job and result URLs are required (RUNPOD_WEBHOOK_GET_JOB, RUNPOD_WEBHOOK_POST_OUTPUT)")
	}
	for _, raw := range []string{cfg.JobURL, cfg.ResultURL} {
		if _, err := url.Parse(strings.ReplaceAll(raw, idPlaceholder, "x")); err != nil {
			return nil, fmt.Errorf("serverless: bad webhook URL %q: %w", raw, err)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Worker{cfg: cfg, handler: handler}, nil
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.FromContext(ctx).With("worker", w.cfg.WorkerID)
	log.Info("worker started", "poll_interval", w.cfg.PollInterval)
	for {
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return nil
		}
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("job loop", "error", err)
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce fetches at most one job, handles it and posts the output. It
// reports whether a job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.nextJob(ctx)
	if err != nil || job == nil {
		return false, err
	}
	log := logger.FromContext(ctx)
	log.Info("job received", "job", job.ID)

	out := w.handler.Handle(ctx, *job)
	if err := w.postResult(ctx, job.ID, out); err != nil {
		return true, fmt.Errorf("post result for job %s: %w", job.ID, err)
	}
	log.Info("job finished", "job", job.ID, "failed", out.Failed())
	return true, nil
}

func (w *Worker) nextJob(ctx context.Context) (*Job, error) {
	u, err := url.Parse(strings.ReplaceAll(w.cfg.JobURL, idPlaceholder, url.PathEscape(w.cfg.WorkerID)))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("job_in_progress", "0")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	w.setHeaders(req)
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("get job: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("decode job: missing id")
	}
	return &job, nil
}

// resultBody is the platform's result envelope.
type resultBody struct {
	Output *Output `json:"output,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func (w *Worker) postResult(ctx context.Context, jobID string, out Output) error {
	body := resultBody{Output: &out}
	if out.Failed() {
		body = resultBody{Error: out.Error}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	u, err := url.Parse(strings.ReplaceAll(w.cfg.ResultURL, idPlaceholder, url.PathEscape(jobID)))
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("isStream", "false")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	w.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (w *Worker) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", version.UserAgent())
	if w.cfg.APIKey != "" {
		req.Header.Set("Authorization", w.cfg.APIKey)
	}
}
