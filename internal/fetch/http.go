// Package fetch resolves market data for analysis runs. Adapters implement
// state.Fetcher: StaticAdapter serves fixtures, HTTPAdapter pulls provider
// REST documents and extracts metric values with jq programs, and MemoAdapter
// layers cross-run caching over either. Provider calls go through a retry
// policy and a per-provider circuit breaker.
package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// MetricSpec maps a metric key to a provider endpoint and the jq program that
// extracts the value from the endpoint's JSON document. Endpoint is a path
// template; {instrument} and {as_of} are expanded per fetch.
type MetricSpec struct {
	Endpoint string `json:"endpoint"`
	Query    string `json:"query"`
}

// HTTPConfig configures the HTTP data adapter.
type HTTPConfig struct {
	// Name identifies the provider in breaker state and events.
	// Defaults to the base URL host.
	Name    string
	BaseURL string

	// APIKeyHeader and APIKey authenticate requests when both are set.
	APIKeyHeader string
	APIKey       string

	Timeout         time.Duration
	MaxResponseBody int64
	Retry           *RetryPolicy
	Breaker         BreakerConfig

	// Client overrides the default HTTP client.
	Client *http.Client

	// OnBreakerTransition is invoked whenever the provider circuit changes
	// state. Callers use it to surface breaker lifecycle events.
	OnBreakerTransition func(provider string, from, to CircuitState)
}

// HTTPAdapter resolves metrics against a provider REST API. Each endpoint
// document is fetched at most once per (instrument, endpoint, asOf) and every
// metric mapped to it is extracted from the cached document.
type HTTPAdapter struct {
	config   HTTPConfig
	client   *http.Client
	metrics  map[string]MetricSpec
	programs map[string]*gojq.Code
	breakers *BreakerRegistry

	docMu sync.Mutex
	docs  map[string]*docEntry
}

var _ state.Fetcher = (*HTTPAdapter)(nil)

type docEntry struct {
	done  chan struct{}
	value any
	err   error
}

// NewHTTPAdapter validates the config, compiles every metric's jq program,
// and returns the adapter. Compile failures are CONFIG_ERROR.
func NewHTTPAdapter(cfg HTTPConfig, metrics map[string]MetricSpec) (*HTTPAdapter, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid provider base URL %q", cfg.BaseURL)
	}
	if cfg.Name == "" {
		cfg.Name = base.Host
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	programs := make(map[string]*gojq.Code, len(metrics))
	for key, spec := range metrics {
		if spec.Endpoint == "" || spec.Query == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"metric %q needs both endpoint and query", key)
		}
		query, err := gojq.Parse(spec.Query)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"jq parse error for metric %q: %s", key, err.Error()).WithCause(err)
		}
		code, err := gojq.Compile(query,
			// Block $ENV and env access inside metric queries.
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"jq compile error for metric %q: %s", key, err.Error()).WithCause(err)
		}
		programs[key] = code
	}

	return &HTTPAdapter{
		config:   cfg,
		client:   client,
		metrics:  metrics,
		programs: programs,
		breakers: NewBreakerRegistry(cfg.Breaker),
		docs:     make(map[string]*docEntry),
	}, nil
}

// Fetch resolves one metric: load (or reuse) the endpoint document, then run
// the metric's jq program against it.
func (a *HTTPAdapter) Fetch(ctx context.Context, instrumentID, metricKey string, asOf time.Time) (any, error) {
	spec, ok := a.metrics[metricKey]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"no provider mapping for metric %q", metricKey)
	}

	path := expandEndpoint(spec.Endpoint, instrumentID, asOf)
	doc, err := a.document(ctx, path)
	if err != nil {
		return nil, err
	}

	return a.extract(ctx, metricKey, doc)
}

// BreakerState reports the provider's current circuit state.
func (a *HTTPAdapter) BreakerState() CircuitState {
	return a.breakers.State(a.config.Name)
}

func expandEndpoint(endpoint, instrumentID string, asOf time.Time) string {
	out := strings.ReplaceAll(endpoint, "{instrument}", url.PathEscape(instrumentID))
	return strings.ReplaceAll(out, "{as_of}", asOf.Format("2006-01-02"))
}

// document returns the decoded JSON body for path, fetching it at most once.
// Concurrent callers for the same path share one request chain; failed
// fetches are evicted so a later run can retry.
func (a *HTTPAdapter) document(ctx context.Context, path string) (any, error) {
	a.docMu.Lock()
	if e, ok := a.docs[path]; ok {
		a.docMu.Unlock()
		select {
		case <-e.done:
			return e.value, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &docEntry{done: make(chan struct{})}
	a.docs[path] = e
	a.docMu.Unlock()

	e.value, e.err = a.fetchDocument(ctx, path)
	if e.err != nil {
		a.docMu.Lock()
		delete(a.docs, path)
		a.docMu.Unlock()
	}
	close(e.done)

	return e.value, e.err
}

// fetchDocument drives the retry loop around a single endpoint GET. Every
// attempt passes through the provider breaker.
func (a *HTTPAdapter) fetchDocument(ctx context.Context, path string) (any, error) {
	attempt := 0
	for {
		if err := a.breakers.Allow(a.config.Name); err != nil {
			return nil, err
		}

		doc, err := a.get(ctx, path)
		if err == nil {
			a.recordSuccess()
			return doc, nil
		}
		// A cancelled run is not a provider fault.
		if ctx.Err() == nil {
			a.recordFailure()
		}

		maxRetries := 0
		if a.config.Retry != nil {
			maxRetries = a.config.Retry.Max
		}
		if !IsRetryableError(err) || attempt >= maxRetries {
			return nil, err
		}

		if werr := WaitForBackoff(ctx, ComputeBackoff(a.config.Retry, attempt)); werr != nil {
			return nil, werr
		}
		attempt++
	}
}

func (a *HTTPAdapter) recordSuccess() {
	prev := a.breakers.State(a.config.Name)
	a.breakers.RecordSuccess(a.config.Name)
	if prev != CircuitClosed && a.config.OnBreakerTransition != nil {
		a.config.OnBreakerTransition(a.config.Name, prev, CircuitClosed)
	}
}

func (a *HTTPAdapter) recordFailure() {
	prev := a.breakers.State(a.config.Name)
	next := a.breakers.RecordFailure(a.config.Name)
	if next != prev && a.config.OnBreakerTransition != nil {
		a.config.OnBreakerTransition(a.config.Name, prev, next)
	}
}

// get performs one request and maps the response to a decoded JSON document.
func (a *HTTPAdapter) get(ctx context.Context, path string) (any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	full := strings.TrimRight(a.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, full, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "build provider request for %q", path).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if a.config.APIKeyHeader != "" && a.config.APIKey != "" {
		req.Header.Set(a.config.APIKeyHeader, a.config.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"provider request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"read provider response for %q", path).WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"provider has no document at %q", path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"provider rejected credentials with status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"provider returned status %d for %q", resp.StatusCode, path)
	case resp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"provider returned status %d for %q", resp.StatusCode, path)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"provider response for %q is not JSON", path).WithCause(err)
	}
	return doc, nil
}

// extract runs the metric's compiled jq program against the document. jq can
// produce multiple outputs; the first one wins.
func (a *HTTPAdapter) extract(ctx context.Context, metricKey string, doc any) (any, error) {
	code := a.programs[metricKey]

	iter := code.RunWithContext(ctx, doc)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq extraction failed for metric %q: %s", metricKey, err.Error()).WithCause(err)
		}
		if val != nil {
			return val, nil
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
		"metric %q not present in provider document", metricKey)
}
