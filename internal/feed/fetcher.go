package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHTTPTimeout bounds a single feed request
const DefaultHTTPTimeout = 30 * time.Second

// Fetcher retrieves the raw bytes of one feed source
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches feeds over HTTP, presenting the API key either as the
// x-api-key header or, when keyParam is set, as a query parameter
type HTTPFetcher struct {
	httpClient *http.Client
	apiKey     string
	keyParam   string
	tracer     trace.Tracer
}

// NewHTTPFetcher creates an instrumented fetcher
func NewHTTPFetcher(apiKey, keyParam string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPFetcher{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		apiKey:   apiKey,
		keyParam: keyParam,
		tracer:   otel.Tracer("mtapi/feed"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "feed.fetch",
		trace.WithAttributes(attribute.String("feed.url", feedURL)),
	)
	defer span.End()

	target := feedURL
	if f.keyParam != "" && f.apiKey != "" {
		u, err := url.Parse(feedURL)
		if err != nil {
			return nil, f.fail(span, fmt.Errorf("invalid feed url: %w", err))
		}
		q := u.Query()
		q.Set(f.keyParam, f.apiKey)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, f.fail(span, fmt.Errorf("failed to create request: %w", err))
	}
	if f.keyParam == "" && f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, f.fail(span, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return nil, f.fail(span, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.fail(span, fmt.Errorf("failed to read response body: %w", err))
	}

	span.SetAttributes(attribute.Int("response.size_bytes", len(body)))
	return body, nil
}

func (f *HTTPFetcher) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
