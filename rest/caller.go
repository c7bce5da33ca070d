package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/next-trace/scg-communication/contract/comms"
	cerr "github.com/next-trace/scg-communication/contract/errors"
)

const (
	contentTypeJSON = "application/json"
	defaultTimeout  = 30 * time.Second
)

// Param is a query string parameter. Values are formatted with fmt.Sprint;
// nil values are skipped.
type Param struct {
	Key   string
	Value any
}

// P builds a Param.
func P(key string, value any) Param { return Param{Key: key, Value: value} }

// Caller issues JSON requests against one service.
type Caller interface {
	GetRaw(ctx context.Context, path string, params ...Param) ([]byte, int, error)
	PostRaw(ctx context.Context, path string, in any, params ...Param) ([]byte, int, error)
	PostBytes(ctx context.Context, path string, in any, params ...Param) ([]byte, error)
	Get(ctx context.Context, path string, out any, params ...Param) error
	Post(ctx context.Context, path string, in, out any, params ...Param) error
}

// Client is the net/http Caller.
type Client struct {
	base       *url.URL
	http       *http.Client
	headers    http.Header
	propagator comms.HeaderPropagator
	logger     *slog.Logger
}

var _ Caller = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option { return func(c *Client) { c.headers.Add(key, value) } }

// WithPropagator injects tracing context into request headers.
func WithPropagator(p comms.HeaderPropagator) Option { return func(c *Client) { c.propagator = p } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Client resolving request paths against baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rest base url %q: %w", baseURL, cerr.ErrConfiguration)
	}

	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: defaultTimeout},
		headers: http.Header{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	return c, nil
}

func (c *Client) GetRaw(ctx context.Context, path string, params ...Param) ([]byte, int, error) {
	return c.do(ctx, http.MethodGet, path, nil, params)
}

func (c *Client) PostRaw(ctx context.Context, path string, in any, params ...Param) ([]byte, int, error) {
	return c.do(ctx, http.MethodPost, path, in, params)
}

func (c *Client) PostBytes(ctx context.Context, path string, in any, params ...Param) ([]byte, error) {
	body, status, err := c.do(ctx, http.MethodPost, path, in, params)
	if err != nil {
		return nil, err
	}

	if !success(status) {
		return nil, c.failure(http.MethodPost, path, params, status, body)
	}

	return body, nil
}

func (c *Client) Get(ctx context.Context, path string, out any, params ...Param) error {
	return c.typed(ctx, http.MethodGet, path, nil, out, params)
}

func (c *Client) Post(ctx context.Context, path string, in, out any, params ...Param) error {
	return c.typed(ctx, http.MethodPost, path, in, out, params)
}

func (c *Client) typed(ctx context.Context, method, path string, in, out any, params []Param) error {
	body, status, err := c.do(ctx, method, path, in, params)
	if err != nil {
		return err
	}

	if !success(status) {
		return c.failure(method, path, params, status, body)
	}

	return decode(method, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, in any, params []Param) ([]byte, int, error) {
	var reader io.Reader

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, 0, fmt.Errorf("rest %s %s encode: %w", method, path, errors.Join(cerr.ErrSerializationFailed, err))
		}

		reader = bytes.NewReader(b)
	}

	target := c.resolve(path, params)

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("rest %s %s: %w", method, path, errors.Join(cerr.ErrConfiguration, err))
	}

	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Accept", contentTypeJSON)

	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	if c.propagator != nil {
		h := map[string]string{}
		c.propagator.Inject(ctx, h)

		for k, v := range h {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		return nil, 0, fmt.Errorf("rest %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("rest %s %s read body: %w", method, target, err)
	}

	c.logger.DebugContext(ctx, "rest call", "method", method, "url", target, "status", resp.StatusCode)

	return body, resp.StatusCode, nil
}

func (c *Client) resolve(path string, params []Param) string {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})

	q := u.Query()
	for _, p := range params {
		if p.Value == nil {
			continue
		}

		q.Add(p.Key, fmt.Sprint(p.Value))
	}

	u.RawQuery = q.Encode()

	return u.String()
}

func (c *Client) failure(method, path string, params []Param, status int, body []byte) error {
	var details ErrorDetails
	if len(body) > 0 {
		_ = json.Unmarshal(body, &details) //nolint:errcheck // non-problem bodies keep zero details
	}

	if details.Title == "" {
		details.Title = http.StatusText(status)
	}

	return &CallFailedError{Method: method, URL: c.resolve(path, params), Status: status, Details: details}
}

func decode(method, path string, body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("rest %s %s decode: %w", method, path, errors.Join(cerr.ErrSerializationFailed, err))
	}

	return nil
}

func success(status int) bool { return status >= 200 && status < 300 }
