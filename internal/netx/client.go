package netx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"vx/pkg/descriptor"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "vx/1.0"
	maxFetchBytes    = 16 << 20
)

// Options configures a Client.
type Options struct {
	HTTPClient      *http.Client
	Timeout         time.Duration
	UserAgent       string
	Retries         int
	InitialInterval time.Duration
	Logger          zerolog.Logger
}

// Client performs HTTP GETs with bounded exponential-backoff retries.
// Responses in the 4xx range other than 408 and 429 are not retried.
type Client struct {
	http            *http.Client
	userAgent       string
	retries         int
	initialInterval time.Duration
	logger          zerolog.Logger
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	Path   string
	SHA256 string
	Bytes  int64
	Reused bool
}

// New builds a Client, filling unset options with defaults.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if httpClient.CheckRedirect == nil {
		cp := *httpClient
		cp.CheckRedirect = checkRedirect
		httpClient = &cp
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	interval := opts.InitialInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Client{
		http:            httpClient,
		userAgent:       ua,
		retries:         retries,
		initialInterval: interval,
		logger:          opts.Logger,
	}
}

// Fetch returns the body of url.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := c.retry(ctx, url, func() (int, error) {
		resp, err := c.get(ctx, url, "application/json")
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read body: %w", err)
		}
		if len(data) > maxFetchBytes {
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("response exceeds %d bytes", maxFetchBytes))
		}
		body = data
		return resp.StatusCode, nil
	})
	return body, err
}

// Download fetches url into dest. The body is written to a temporary file in
// the destination directory and renamed into place only after the optional
// sha256 checksum matched. An existing dest is reused when it matches the
// checksum, or when no checksum is given.
func (c *Client) Download(ctx context.Context, url, dest, checksum string) (DownloadResult, error) {
	checksum = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(checksum), "sha256:"))
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		sum, err := FileSHA256(dest)
		if err == nil && (checksum == "" || sum == checksum) {
			return DownloadResult{Path: dest, SHA256: sum, Bytes: info.Size(), Reused: true}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return DownloadResult{}, fmt.Errorf("prepare download destination: %w", err)
	}

	var result DownloadResult
	err := c.retry(ctx, url, func() (int, error) {
		resp, err := c.get(ctx, url, "")
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
		}

		tmpFile, err := os.CreateTemp(filepath.Dir(dest), "download-*.tmp")
		if err != nil {
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("create temp file: %w", err))
		}
		tmpPath := tmpFile.Name()
		defer func() { _ = os.Remove(tmpPath) }()

		hasher := sha256.New()
		n, err := io.Copy(io.MultiWriter(tmpFile, hasher), resp.Body)
		if err != nil {
			tmpFile.Close()
			return resp.StatusCode, fmt.Errorf("write temp file: %w", err)
		}
		if err := tmpFile.Close(); err != nil {
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("close temp file: %w", err))
		}

		sum := hex.EncodeToString(hasher.Sum(nil))
		if checksum != "" && sum != checksum {
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("checksum mismatch: got %s, want %s", sum, checksum))
		}
		if err := os.Rename(tmpPath, dest); err != nil {
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("finalize download: %w", err))
		}
		result = DownloadResult{Path: dest, SHA256: sum, Bytes: n}
		return resp.StatusCode, nil
	})
	if err != nil {
		return DownloadResult{}, err
	}
	c.logger.Debug().Str("url", url).Int64("bytes", result.Bytes).Msg("download complete")
	return result, nil
}

func (c *Client) get(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.http.Do(req)
	if denied, ok := permissionDenied(err); ok {
		return nil, backoff.Permanent(denied)
	}
	return resp, err
}

// retry runs op until it succeeds, returns a permanent error, or the retry
// budget is spent. Failures surface as *descriptor.NetworkError.
func (c *Client) retry(ctx context.Context, url string, op func() (int, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxElapsedTime = 0

	var (
		attempts   int
		lastStatus int
	)
	err := backoff.Retry(func() error {
		attempts++
		status, err := op()
		lastStatus = status
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Debug().Str("url", url).Int("attempt", attempts).Err(err).Msg("request failed")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retries)), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if denied, ok := permissionDenied(err); ok {
		return denied
	}
	return &descriptor.NetworkError{URL: url, Attempts: attempts, Status: lastStatus, Err: err}
}

// FileSHA256 returns the hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
