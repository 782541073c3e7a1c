package serverless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/perplex/internal/logger"
	"github.com/samcharles93/perplex/internal/metrics"
	"github.com/samcharles93/perplex/internal/models"
	"github.com/samcharles93/perplex/internal/perplexity"
)

// Resolver loads a model by id. *models.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, modelID string) (*models.Handle, error)
}

// JobHandler turns a job into its output without ever failing.
type JobHandler interface {
	Handle(ctx context.Context, job Job) Output
}

type HandlerConfig struct {
	DefaultModel string
	Resolver     Resolver
	Logger       logger.Logger
}

// Handler scores jobs against a default model that is loaded once and kept
// for the life of the process. Other models are loaded per job and released
// before the job returns. Calls to Handle are serialized because a model
// carries decoding state between tokens.
type Handler struct {
	defaultModel string
	resolver     Resolver
	log          logger.Logger

	mu   sync.Mutex
	warm *models.Handle
}

// NewHandler resolves the default model and returns a handler holding it.
func NewHandler(ctx context.Context, cfg HandlerConfig) (*Handler, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("serverless: resolver is required")
	}
	if cfg.DefaultModel == "" {
		return nil, errors.New("serverless: default model is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}

	log.Info("loading default model", "model", cfg.DefaultModel)
	warm, err := cfg.Resolver.Resolve(logger.WithContext(ctx, log), cfg.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("load default model %s: %w", cfg.DefaultModel, err)
	}
	log.Info("default model loaded", "model", cfg.DefaultModel, "device", warm.Device, "source", warm.Source)
	return &Handler{
		defaultModel: cfg.DefaultModel,
		resolver:     cfg.Resolver,
		log:          log,
		warm:         warm,
	}, nil
}

func (h *Handler) DefaultModel() string { return h.defaultModel }

// Handle runs one job. Every failure, including a panic in the model, comes
// back as Output.Error.
func (h *Handler) Handle(ctx context.Context, job Job) (out Output) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.log.With("job", job.ID)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Output{Error: fmt.Sprintf("internal error: %v", r)}
		}
		scored := 0
		outcome := metrics.OutcomeError
		if !out.Failed() {
			outcome = metrics.OutcomeSuccess
			scored = len(out.ByToken)
		}
		metrics.RecordJob(outcome, time.Since(start), scored)
		if out.Failed() {
			log.Warn("job failed", "error", out.Error)
		}
	}()

	res, err := h.run(logger.WithContext(ctx, log), job)
	if err != nil {
		return Output{Error: err.Error()}
	}
	log.Info("perplexity calculated", "total_perplexity", fmt.Sprintf("%.4f", res.TotalPerplexity), "elapsed", time.Since(start).Round(time.Millisecond))
	return Output{Result: res}
}

func (h *Handler) run(ctx context.Context, job Job) (*perplexity.Result, error) {
	in, err := ParseInput(job.Input)
	if err != nil {
		return nil, err
	}
	modelName := in.ModelName
	if modelName == "" {
		modelName = h.defaultModel
	}
	log := logger.FromContext(ctx)
	log.Info("processing text", "text", preview(*in.Text, 50), "model", modelName)

	if modelName == h.defaultModel {
		if h.warm == nil {
			return nil, errors.New("default model has been released")
		}
		return perplexity.Compute(ctx, *in.Text, h.warm.Pair)
	}

	handle, err := h.resolver.Resolve(ctx, modelName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			log.Warn("release model", "model", modelName, "error", err)
		}
	}()
	return perplexity.Compute(ctx, *in.Text, handle.Pair)
}

// Close releases the default model.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.warm.Close()
	h.warm = nil
	return err
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
