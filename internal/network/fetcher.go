package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrBodyTooLarge is returned when a payload exceeds the configured cap.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Client fetches feed payloads. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	userAgent string
	maxBody   int64
	perHost   rate.Limit
	log       *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a fetch client on top of a tuned transport.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	return NewClientWithTransport(config, NewCompressionMiddleware(NewHTTPTransport(config)))
}

// NewClientWithTransport is NewClient with a caller supplied round tripper.
func NewClientWithTransport(config *ClientConfig, transport http.RoundTripper) *Client {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	perHost := rate.Inf
	if config.RateLimitPerHost > 0 {
		perHost = rate.Limit(config.RateLimitPerHost)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		userAgent: config.UserAgent,
		maxBody:   maxBody,
		perHost:   perHost,
		log:       logger.Named("fetcher"),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Fetch GETs rawURL and returns the decoded body. Non-2xx responses and
// bodies larger than the cap are errors.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, rawURL)
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for %s: %w", u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, &StatusError{URL: u.Redacted(), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body from %s: %w", u.Redacted(), err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%s: %w (%d bytes)", u.Redacted(), ErrBodyTooLarge, c.maxBody)
	}

	c.log.Debug("Fetched feed payload",
		zap.String("url", u.Redacted()), zap.Int("bytes", len(body)), zap.String("proto", resp.Proto))
	return body, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.perHost, 1)
		c.limiters[host] = l
	}
	return l
}
