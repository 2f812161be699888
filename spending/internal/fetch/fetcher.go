// Package fetch retrieves council disclosure files with retries, a per-host
// rate limit, a payload cap and content-hash change detection.
package fetch

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/spendwatch/horosafe"
	"github.com/hazyhaar/spendwatch/spending/internal/failure"
	"github.com/hazyhaar/spendwatch/spending/internal/repair"
)

// Result contains the outcome of a fetch.
type Result struct {
	Body        []byte
	StatusCode  int
	Hash        string // SHA-256 of body
	ETag        string
	LastMod     string
	ContentType string
	Changed     bool // false when the body hash equals the previous hash
	Attempts    int
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("http %d", e.Code) }

// Config configures the fetcher.
type Config struct {
	Timeout     time.Duration `yaml:"timeout"`      // per attempt. Default: 60s.
	MaxBytes    int64         `yaml:"max_bytes"`    // Default: 50 MiB.
	Attempts    int           `yaml:"attempts"`     // Default: 3.
	BaseBackoff time.Duration `yaml:"base_backoff"` // doubled per retry. Default: 2s.
	HostRate    float64       `yaml:"host_rate"`    // requests per second per host. Default: 1.
	HostBurst   int           `yaml:"host_burst"`   // Default: 2.
	UserAgent   string        `yaml:"user_agent"`
	// URLValidator validates URLs before fetch and on redirects.
	// Default: horosafe.ValidateURL.
	URLValidator func(string) error `yaml:"-"`
	// Observe, when set, is called once per Fetch with the final outcome
	// ("ok", "unchanged" or a repair class) and total duration.
	Observe func(outcome string, d time.Duration) `yaml:"-"`
	Logger  *slog.Logger                          `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 50 << 20
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.HostRate <= 0 {
		c.HostRate = 1
	}
	if c.HostBurst <= 0 {
		c.HostBurst = 2
	}
	if c.UserAgent == "" {
		c.UserAgent = "spendwatch/1.0 (+https://github.com/hazyhaar/spendwatch)"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fetcher performs HTTP GETs. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	config Config

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// New creates a Fetcher with SSRF protection on redirects.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
		hosts:  make(map[string]*rate.Limiter),
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.hosts[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.config.HostRate), f.config.HostBurst)
		f.hosts[host] = l
	}
	return l
}

// Fetch retrieves rawURL, retrying transient failures with exponential
// backoff. Persistent failures wrap failure.ErrSourceUnavailable; the
// returned error's repair class is available through ClassOf.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, prevHash string) (*Result, error) {
	start := time.Now()
	res, class, err := f.fetch(ctx, rawURL, prevHash)
	if f.config.Observe != nil {
		outcome := string(class)
		if err == nil {
			outcome = "ok"
			if !res.Changed {
				outcome = "unchanged"
			}
		}
		f.config.Observe(outcome, time.Since(start))
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, prevHash string) (*Result, repair.Class, error) {
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, repair.ClassBlocked, &Error{Class: repair.ClassBlocked, URL: rawURL, Err: err}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, repair.ClassBlocked, &Error{Class: repair.ClassBlocked, URL: rawURL, Err: err}
	}
	lim := f.limiter(strings.ToLower(u.Host))
	log := f.config.Logger.With("url", rawURL)

	var lastErr error
	var lastClass repair.Class
	for attempt := 1; attempt <= f.config.Attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, repair.ClassCanceled, &Error{Class: repair.ClassCanceled, URL: rawURL, Err: err}
		}
		res, status, err := f.once(ctx, rawURL)
		if err == nil {
			res.Attempts = attempt
			res.Changed = prevHash == "" || res.Hash != prevHash
			return res, "", nil
		}
		class, action := repair.Classify(status, err)
		lastErr, lastClass = err, class
		if action != repair.ActionRetry || attempt == f.config.Attempts {
			break
		}
		wait := f.config.BaseBackoff << (attempt - 1)
		log.Warn("fetch: retrying", "attempt", attempt, "class", class, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, repair.ClassCanceled, &Error{Class: repair.ClassCanceled, URL: rawURL, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return nil, lastClass, &Error{Class: lastClass, URL: rawURL, Err: lastErr}
}

func (f *Fetcher) once(ctx context.Context, rawURL string) (*Result, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	if resp.ContentLength > f.config.MaxBytes {
		return nil, resp.StatusCode, fmt.Errorf("content-length %d: %w", resp.ContentLength, horosafe.ErrTooLarge)
	}
	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	h := sha256.Sum256(body)
	return &Result{
		Body:        body,
		StatusCode:  resp.StatusCode,
		Hash:        fmt.Sprintf("%x", h),
		ETag:        resp.Header.Get("ETag"),
		LastMod:     resp.Header.Get("Last-Modified"),
		ContentType: resp.Header.Get("Content-Type"),
	}, resp.StatusCode, nil
}

// Probe fetches at most n leading bytes of rawURL in a single attempt. Used
// by discovery to read a candidate's header row.
func (f *Fetcher) Probe(ctx context.Context, rawURL string, n int64) ([]byte, string, error) {
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, "", err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", err
	}
	if err := f.limiter(strings.ToLower(u.Host)).Wait(ctx); err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, "", &StatusError{Code: resp.StatusCode}
	}
	body, err := horosafe.ReadPrefix(resp.Body, n)
	return body, resp.Header.Get("Content-Type"), err
}

// Error is a persistent fetch failure.
type Error struct {
	Class repair.Class
	URL   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Class, e.Err)
}

// Unwrap exposes the taxonomy class: a timeout is context.DeadlineExceeded,
// everything else is failure.ErrSourceUnavailable.
func (e *Error) Unwrap() []error {
	if e.Class == repair.ClassTimeout {
		return []error{context.DeadlineExceeded, e.Err}
	}
	return []error{failure.ErrSourceUnavailable, e.Err}
}

// ClassOf returns the repair class of a fetch error, or ClassUnknown.
func ClassOf(err error) repair.Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return repair.ClassUnknown
}
