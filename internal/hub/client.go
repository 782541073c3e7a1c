package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/perplex/internal/logger"
	"github.com/samcharles93/perplex/internal/safetensors"
	"github.com/samcharles93/perplex/internal/version"
)

const (
	DefaultEndpoint    = "https://huggingface.co"
	MaxDownloadRetries = 3
	DownloadRetryDelay = 2 * time.Second

	EnvToken    = "HF_TOKEN"
	EnvEndpoint = "HF_ENDPOINT"
)

var (
	ErrModelNotFound   = errors.New("model not found on hub")
	ErrUnauthorized    = errors.New("hub authentication failed")
	ErrRateLimited     = errors.New("hub rate limit exceeded")
	ErrInvalidResponse = errors.New("unexpected hub response")
)

// Files a snapshot needs before it can be loaded.
var (
	RequiredFiles = []string{"config.json", "tokenizer.json"}
	OptionalFiles = []string{"tokenizer_config.json", "generation_config.json"}
)

// SnapshotComplete reports whether dir holds every required file and a
// weight layout, i.e. whether a Fetch into it ran to the end.
func SnapshotComplete(dir string) bool {
	for _, name := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	if _, err := os.Stat(filepath.Join(dir, safetensors.SingleFileName)); err == nil {
		return true
	}
	raw, err := os.ReadFile(filepath.Join(dir, safetensors.IndexFileName))
	if err != nil {
		return false
	}
	shards, err := safetensors.ShardNames(raw)
	if err != nil || len(shards) == 0 {
		return false
	}
	for _, name := range shards {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			return false
		}
	}
	return true
}

type revisionInfo struct {
	SHA      string `json:"sha"`
	Siblings []struct {
		Filename string `json:"rfilename"`
	} `json:"siblings"`
}

// Client downloads model snapshots into a local hub cache.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
	cacheDir   string
	revision   string
	retryDelay time.Duration
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCacheDir sets where downloaded snapshots are written.
func WithCacheDir(dir string) ClientOption {
	return func(c *Client) {
		if dir != "" {
			c.cacheDir = dir
		}
	}
}

func WithRevision(rev string) ClientOption {
	return func(c *Client) {
		if rev != "" {
			c.revision = rev
		}
	}
}

func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.retryDelay = d }
}

// NewClient builds a client from HF_ENDPOINT, HF_TOKEN and the default cache
// directory, then applies options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		baseURL:    DefaultEndpoint,
		token:      os.Getenv(EnvToken),
		userAgent:  version.UserAgent(),
		cacheDir:   DefaultCacheDir(),
		revision:   DefaultRevision,
		retryDelay: DownloadRetryDelay,
	}
	if endpoint := os.Getenv(EnvEndpoint); endpoint != "" {
		c.baseURL = strings.TrimSuffix(endpoint, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CacheDir() string { return c.cacheDir }

// Fetch downloads the files needed to run modelID and returns the snapshot
// directory. Files already present in the snapshot are not downloaded again.
func (c *Client) Fetch(ctx context.Context, modelID string) (string, error) {
	if err := ValidateModelID(modelID); err != nil {
		return "", err
	}
	log := logger.FromContext(ctx).With("model", modelID, "revision", c.revision)

	info, err := c.revisionInfo(ctx, modelID)
	if err != nil {
		return "", err
	}
	sha := info.SHA
	if sha == "" {
		sha = c.revision
	}
	available := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		available = append(available, s.Filename)
	}
	files, err := selectFiles(available)
	if err != nil {
		return "", fmt.Errorf("%s: %w", modelID, err)
	}

	modelDir := filepath.Join(c.cacheDir, CacheDirName(modelID))
	snapshot := filepath.Join(modelDir, SnapshotDir, sha)
	log.Info("downloading model", "files", len(files), "dest", snapshot)
	start := time.Now()

	for _, name := range files {
		if err := c.ensureFile(ctx, modelID, sha, name, snapshot); err != nil {
			return "", err
		}
	}
	if slices.Contains(files, safetensors.IndexFileName) {
		raw, err := os.ReadFile(filepath.Join(snapshot, safetensors.IndexFileName))
		if err != nil {
			return "", err
		}
		shards, err := safetensors.ShardNames(raw)
		if err != nil {
			return "", fmt.Errorf("%s: parse %s: %w", modelID, safetensors.IndexFileName, err)
		}
		for _, name := range shards {
			if err := c.ensureFile(ctx, modelID, sha, name, snapshot); err != nil {
				return "", err
			}
		}
	}

	if err := os.MkdirAll(filepath.Join(modelDir, RefsDir), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(modelDir, RefsDir, c.revision), []byte(sha), 0o644); err != nil {
		return "", err
	}
	log.Info("model downloaded", "elapsed", time.Since(start).Round(time.Millisecond))
	return snapshot, nil
}

// selectFiles picks the required files, the optional ones that exist and one
// weight layout, preferring a single safetensors file over a sharded index.
func selectFiles(available []string) ([]string, error) {
	var out []string
	for _, name := range RequiredFiles {
		if !slices.Contains(available, name) {
			return nil, fmt.Errorf("%w: repository has no %s", ErrModelNotFound, name)
		}
		out = append(out, name)
	}
	for _, name := range OptionalFiles {
		if slices.Contains(available, name) {
			out = append(out, name)
		}
	}
	switch {
	case slices.Contains(available, safetensors.SingleFileName):
		out = append(out, safetensors.SingleFileName)
	case slices.Contains(available, safetensors.IndexFileName):
		out = append(out, safetensors.IndexFileName)
	default:
		return nil, fmt.Errorf("%w: repository has no safetensors weights", ErrModelNotFound)
	}
	return out, nil
}

func (c *Client) revisionInfo(ctx context.Context, modelID string) (*revisionInfo, error) {
	url := fmt.Sprintf("%s/api/models/%s/revision/%s", c.baseURL, modelID, c.revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", modelID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("query %s: %w", modelID, err)
	}
	var info revisionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &info, nil
}

func (c *Client) ensureFile(ctx context.Context, modelID, sha, name, snapshot string) error {
	target := filepath.Join(snapshot, filepath.FromSlash(name))
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, modelID, sha, name)

	var lastErr error
	for attempt := 0; attempt < MaxDownloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		lastErr = c.download(ctx, url, target)
		if lastErr == nil {
			return nil
		}
		if permanent(lastErr) || ctx.Err() != nil {
			break
		}
		logger.FromContext(ctx).Warn("download failed, retrying", "file", name, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("download %s: %w", name, lastErr)
}

func (c *Client) download(ctx context.Context, url, target string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkResponse(resp); err != nil {
		return err
	}

	tmp := target + ".download"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(f, resp.Body); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func permanent(err error) bool {
	return errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrUnauthorized)
}
