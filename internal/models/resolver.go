package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/perplex/internal/backend"
	"github.com/samcharles93/perplex/internal/config"
	"github.com/samcharles93/perplex/internal/hub"
	"github.com/samcharles93/perplex/internal/logger"
	"github.com/samcharles93/perplex/internal/metrics"
)

// Resolver locates a model in a hub-style cache and loads it, fetching it
// through Fetcher only when no cached snapshot exists.
type Resolver struct {
	// CacheRoot is the read-mostly cache consulted first, typically a
	// network volume populated ahead of time.
	CacheRoot string
	// DownloadDir is where Fetcher writes. It is searched after CacheRoot so
	// a model fetched earlier is not fetched again.
	DownloadDir string
	Fetcher     Fetcher
	Loader      Loader
	Device      string
}

// NewResolver wires a Resolver to the hub client described by cfg. device is
// a concrete backend as returned by backend.Select.
func NewResolver(cfg config.Config, device string) *Resolver {
	opts := []hub.ClientOption{
		hub.WithBaseURL(cfg.HubEndpoint),
		hub.WithCacheDir(cfg.DownloadCache()),
		hub.WithRevision(cfg.Revision),
	}
	if cfg.HubToken != "" {
		opts = append(opts, hub.WithToken(cfg.HubToken))
	}
	client := hub.NewClient(opts...)
	return &Resolver{
		CacheRoot:   cfg.CacheDir,
		DownloadDir: client.CacheDir(),
		Fetcher:     client,
		Loader:      LocalLoader{},
		Device:      device,
	}
}

// Lookup reports the cached snapshot for modelID without touching the
// network. A download-dir snapshot only counts once every file landed, so an
// interrupted fetch is resumed rather than loaded.
func (r *Resolver) Lookup(modelID string) (string, bool) {
	if path, ok := hub.FindSnapshot(r.CacheRoot, modelID); ok {
		return path, true
	}
	if r.DownloadDir != "" && r.DownloadDir != r.CacheRoot {
		if path, ok := hub.FindSnapshot(r.DownloadDir, modelID); ok && hub.SnapshotComplete(path) {
			return path, true
		}
	}
	return "", false
}

// Resolve returns a loaded Handle for modelID. The caller owns the handle and
// must Close it.
func (r *Resolver) Resolve(ctx context.Context, modelID string) (*Handle, error) {
	modelID = strings.TrimSpace(modelID)
	if err := hub.ValidateModelID(modelID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelNotFound, err)
	}
	log := logger.FromContext(ctx).With("model", modelID)
	start := time.Now()

	source := SourceCache
	path, ok := r.Lookup(modelID)
	if !ok {
		if r.Fetcher == nil {
			return nil, fmt.Errorf("%w: %s is not cached and no fetcher is configured", ErrModelNotFound, modelID)
		}
		log.Info("model not cached, fetching", "cache_root", r.CacheRoot)
		fetched, err := r.Fetcher.Fetch(ctx, modelID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelNotFound, modelID, err)
		}
		path, source = fetched, SourceRemote
	}

	loader := r.Loader
	if loader == nil {
		loader = LocalLoader{}
	}
	device := r.Device
	if device == "" {
		device = backend.CPU
	}
	h, err := loader.Load(ctx, path, device)
	if err != nil {
		return nil, fmt.Errorf("load %s from %s: %w", modelID, path, err)
	}
	h.ID = modelID
	h.Path = path
	h.Source = source
	h.Device = device

	elapsed := time.Since(start)
	metrics.RecordResolution(string(source), elapsed)
	log.Info("model ready", "source", source, "path", path, "device", device, "elapsed", elapsed.Round(time.Millisecond))
	return h, nil
}
