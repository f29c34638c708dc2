// Package threads fetches the user's chat thread listing from the
// marketplace REST backend.
package threads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"evnotify/internal/chat"
	"evnotify/internal/metrics"
	logx "evnotify/pkg/logx"

	"golang.org/x/time/rate"
)

const DefaultPath = "/api/chat/threads/user/{userId}"

var (
	// ErrStatus wraps non-2xx responses.
	ErrStatus = errors.New("threads: unexpected status")
	// ErrShape is returned when the body holds no recognizable thread list.
	ErrShape = errors.New("threads: unrecognized response shape")
)

// envelopeKeys are probed, in order, when the body is an object.
var envelopeKeys = []string{"data", "threads", "items", "content", "result"}

const maxBody = 8 << 20

type Config struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	RatePerSec float64 // 0 disables limiting
	Burst      int
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func New(cfg Config, log logx.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("threads: empty base url")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("threads: base url: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.Component("threads")),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(userID string) string {
	p := strings.ReplaceAll(c.cfg.Path, "{userId}", url.PathEscape(userID))
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
}

// GetThreadsByUserID lists the threads userID takes part in.
func (c *Client) GetThreadsByUserID(ctx context.Context, userID, token string) ([]chat.Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("threads: empty user id")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(userID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveThreadFetch(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	threads, err := DecodeThreads(body)
	if err != nil {
		return nil, err
	}
	c.log.Debug("threads fetched", logx.User(userID), logx.Int("count", len(threads)))
	return threads, nil
}

// DecodeThreads accepts a bare JSON array of threads or an object wrapping
// one under a known key. Array elements that are not objects are skipped.
func DecodeThreads(body []byte) ([]chat.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("threads: decode: %w", err)
	}
	list, ok := findList(v, 2)
	if !ok {
		return nil, ErrShape
	}
	out := make([]chat.Record, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, chat.Record(m))
		}
	}
	return out, nil
}

func findList(v any, depth int) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case map[string]any:
		if depth == 0 {
			return nil, false
		}
		for _, k := range envelopeKeys {
			if inner, ok := x[k]; ok {
				if list, ok := findList(inner, depth-1); ok {
					return list, true
				}
			}
		}
	case nil:
		return nil, true
	}
	return nil, false
}
