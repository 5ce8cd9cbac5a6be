// Package httpkit builds the outbound HTTP clients used to reach model
// providers and the rules search API. Every client shares the same dial
// and header timeouts, identifies itself with the Frinny User-Agent, and
// can retry both dial-level failures and throttling responses.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/frinny-ai/frinny/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 60 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// MaxRetryAfter caps the wait honored from a Retry-After header.
const MaxRetryAfter = 30 * time.Second

// ClientOption configures a client built by [NewClient].
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	retryCount int
	retryDelay time.Duration
	statuses   []int
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithRetry retries requests that failed to connect (host unreachable,
// network unreachable, connection refused) up to count times. Requests
// with a body are retried only when the body can be rewound.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithStatusRetry also retries responses with one of the given status
// codes, typically 429 from a rate-limited search API or 503 from a
// model server whose queue is full. A Retry-After header overrides the
// retry delay, up to [MaxRetryAfter]. It has no effect without
// [WithRetry].
func WithStatusRetry(codes ...int) ClientOption {
	return func(c *clientConfig) { c.statuses = append(c.statuses, codes...) }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns an http.Transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client on a fresh default transport.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	var rt http.RoundTripper = &userAgentTransport{base: NewTransport(), ua: cfg.userAgent}
	if cfg.retryCount > 0 {
		rt = newRetryTransport(rt, cfg)
	}
	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base     http.RoundTripper
	count    int
	delay    time.Duration
	statuses map[int]bool
	logger   *slog.Logger
	now      func() time.Time
}

func newRetryTransport(base http.RoundTripper, cfg *clientConfig) *retryTransport {
	t := &retryTransport{
		base:   base,
		count:  cfg.retryCount,
		delay:  cfg.retryDelay,
		logger: cfg.logger,
	}
	if len(cfg.statuses) > 0 {
		t.statuses = make(map[int]bool, len(cfg.statuses))
		for _, code := range cfg.statuses {
			t.statuses[code] = true
		}
	}
	return t
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)

	for attempt := 1; attempt <= t.count; attempt++ {
		wait, reason, ok := t.retryable(resp, err)
		if !ok || !rewindable(req) {
			return resp, err
		}
		if resp != nil {
			DrainAndClose(resp.Body, 4096)
		}
		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"reason", reason,
				"wait", wait,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// retryable reports whether the outcome of one attempt warrants another
// and how long to wait first.
func (t *retryTransport) retryable(resp *http.Response, err error) (time.Duration, string, bool) {
	if err != nil {
		if isRetryableError(err) {
			return t.delay, err.Error(), true
		}
		return 0, "", false
	}
	if resp == nil || !t.statuses[resp.StatusCode] {
		return 0, "", false
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	return retryAfter(resp.Header.Get("Retry-After"), t.delay, now()), resp.Status, true
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// retryAfter interprets a Retry-After value given as delta-seconds or
// an HTTP date. Missing or unparseable values yield fallback.
func retryAfter(v string, fallback time.Duration, now time.Time) time.Duration {
	if v == "" {
		return fallback
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	} else {
		return fallback
	}
	return min(max(d, 0), MaxRetryAfter)
}

// isRetryableError reports whether err is a connect-phase failure.
// ECONNRESET is excluded: the server may already have acted.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for use in an error
// message, then drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
