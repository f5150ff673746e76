package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/dshills/calcrt/internal/logging"
	"github.com/dshills/calcrt/internal/plugin"
	"github.com/dshills/calcrt/internal/plugin/security"
)

// RemoteOptions restrict what Remote fetches.
type RemoteOptions struct {
	// AllowedDomains are host patterns ("*.example.org"). Empty denies
	// every host.
	AllowedDomains []string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxPayloadBytes caps the document size.
	MaxPayloadBytes int64

	// Retries is how many times a connection error or 5xx is retried.
	Retries int

	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RequestsPerSecond paces fetches across all sources. Zero is
	// unpaced.
	RequestsPerSecond int

	Logger *logging.Logger
}

// DefaultRemoteOptions returns conservative limits with an empty
// allow-list.
func DefaultRemoteOptions() RemoteOptions {
	return RemoteOptions{
		Timeout:         10 * time.Second,
		MaxPayloadBytes: 1 << 20,
		Retries:         2,
		RetryWaitMin:    100 * time.Millisecond,
		RetryWaitMax:    time.Second,
	}
}

// Remote fetches declarative documents over http and https.
type Remote struct {
	opts    RemoteOptions
	docs    *Declarative
	client  *retryablehttp.Client
	limiter *rate.Limiter
}

// NewRemote creates the strategy. Fetched documents are built by docs, so
// unloading a remote source through the chain releases it there.
func NewRemote(docs *Declarative, opts RemoteOptions) *Remote {
	def := DefaultRemoteOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = def.RetryWaitMin
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = opts.RetryWaitMin
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	r := &Remote{opts: opts, docs: docs, limiter: rate.NewLimiter(rate.Inf, 0)}
	if opts.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	c := retryablehttp.NewClient()
	c.RetryMax = opts.Retries
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.Logger = retryLogger{log: opts.Logger.Sub("remote")}
	c.HTTPClient.Timeout = opts.Timeout
	c.HTTPClient.CheckRedirect = func(req *http.Request, _ []*http.Request) error {
		if !r.allowed(req.URL.Host) {
			return fmt.Errorf("%w: redirect to %s", ErrHostNotAllowed, req.URL.Hostname())
		}
		return nil
	}
	r.client = c
	return r
}

// Name implements Strategy.
func (r *Remote) Name() string { return "remote" }

// CanLoad accepts http and https URLs with a host.
func (r *Remote) CanLoad(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (r *Remote) allowed(host string) bool {
	for _, pattern := range r.opts.AllowedDomains {
		if security.MatchHost(host, pattern) {
			return true
		}
	}
	return false
}

// Load fetches and parses the document at source.
func (r *Remote) Load(ctx context.Context, source string) (plugin.Plugin, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	if !r.allowed(u.Host) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}

	data, err := r.fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return r.docs.Build(doc, source)
}

func (r *Remote) fetch(ctx context.Context, source string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/yaml, application/json")

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, source, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, source, resp.StatusCode)
	}
	limit := r.opts.MaxPayloadBytes
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes declared, limit %d", ErrPayloadTooLarge, resp.ContentLength, limit)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrFetchFailed, source, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit %d", ErrPayloadTooLarge, limit)
	}
	return data, nil
}

// Unload is handled by the Declarative strategy that built the plugin.
func (r *Remote) Unload(context.Context, string) error { return nil }

// retryLogger adapts the logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	log *logging.Logger
}

func (l retryLogger) Error(msg string, kv ...any) { l.log.Error().Fields(kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...any)  { l.log.Debug().Fields(kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...any) { l.log.Trace().Fields(kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...any)  { l.log.Warn().Fields(kv).Msg(msg) }
