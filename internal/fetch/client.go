// Package fetch issues JSON requests against a remote service whose mount
// point is not known exactly, trying URL variants until one answers.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/telemetry"
)

// Verdict is the decision taken on one candidate's response status.
type Verdict int

const (
	Accept Verdict = iota
	TryNext
	Abort
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case TryNext:
		return "try_next"
	}
	return "abort"
}

// Classify maps a response status to a verdict. Only a not-found status is
// ambiguous enough to justify trying another URL variant.
func Classify(status int) Verdict {
	switch {
	case status >= 200 && status < 300:
		return Accept
	case status == http.StatusNotFound:
		return TryNext
	}
	return Abort
}

// Candidates returns the URL variants for path in the order they are tried:
// the configured base first, then the base with the mount prefix toggled,
// each with the path as given and then with its trailing slash toggled.
func Candidates(baseURL, mountPrefix, path string) []string {
	base := strings.TrimRight(baseURL, "/")
	bases := []string{base, toggleMount(base, mountPrefix)}

	p, query := path, ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		p, query = path[:i], path[i:]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	paths := []string{p + query, toggleSlash(p) + query}

	seen := make(map[string]bool, 4)
	out := make([]string, 0, 4)
	for _, b := range bases {
		for _, pp := range paths {
			u := b + pp
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

func toggleMount(base, prefix string) string {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		return base
	}
	if strings.HasSuffix(base, prefix) {
		return strings.TrimSuffix(base, prefix)
	}
	return base + prefix
}

func toggleSlash(p string) string {
	switch {
	case p == "/":
		return p
	case strings.HasSuffix(p, "/"):
		return strings.TrimRight(p, "/")
	}
	return p + "/"
}

type Options struct {
	BaseURL     string
	MountPrefix string
	// Timeout bounds each candidate request; expiry is a remote error.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

type Client struct {
	baseURL     string
	mountPrefix string
	timeout     time.Duration
	http        *http.Client
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

const defaultTimeout = 30 * time.Second

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		mountPrefix: opts.MountPrefix,
		timeout:     opts.Timeout,
		http:        opts.HTTPClient,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// Do sends body (JSON-encoded unless already raw bytes) to each candidate
// URL of path in turn and returns the first accepted response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	candidates := Candidates(c.baseURL, c.mountPrefix, path)
	for _, u := range candidates {
		status, blob, err := c.attempt(ctx, method, u, payload)
		if err != nil {
			c.metrics.FetchAttempt("network")
			c.logger.Debug("fetch attempt failed", "method", method, "url", u, "error", err)
			return nil, planerr.NetworkError(u, err)
		}
		verdict := Classify(status)
		c.logger.Debug("fetch attempt", "method", method, "url", u, "status", status, "verdict", verdict.String())
		switch verdict {
		case TryNext:
			c.metrics.FetchAttempt("try_next")
			continue
		case Abort:
			c.metrics.FetchAttempt("abort")
			return nil, planerr.RemoteError(u, status, blob)
		}
		trimmed := bytes.TrimSpace(blob)
		if len(trimmed) == 0 || !json.Valid(trimmed) {
			c.metrics.FetchAttempt("malformed")
			return nil, planerr.MalformedResponse(fmt.Sprintf("%s %s returned a body that is not JSON", method, u), blob)
		}
		c.metrics.FetchAttempt("accept")
		return json.RawMessage(trimmed), nil
	}
	return nil, planerr.EndpointNotFound(candidates)
}

func (c *Client) attempt(ctx context.Context, method, u string, payload []byte) (int, []byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fetch "+method)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", u))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		span.RecordError(err)
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return 0, nil, err
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return 0, nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if Classify(resp.StatusCode) == Abort {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp.StatusCode, blob, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	return json.Marshal(body)
}
