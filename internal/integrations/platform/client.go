package platform

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
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/stream"
)

const (
	maxErrorBody    = 4096
	maxResponseBody = 4 << 20

	eventStreamType = "text/event-stream"
)

// Getter is the subset of the parameter store the client needs.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the JSON shape stored in the parameter store for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("platform: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// PredictRequest is one question sent to the inference endpoint.
type PredictRequest struct {
	Question          string   `json:"question"`
	ProductID         string   `json:"productId"`
	ContinuationToken string   `json:"continuationToken,omitempty"`
	PDFRefs           []string `json:"pdfRefs,omitempty"`
	Stream            bool     `json:"stream"`
}

// StreamResponse is an open inference response. The caller must close Body.
type StreamResponse struct {
	Body        io.ReadCloser
	ContentType string
}

// IsEventStream reports whether the server honoured the event-stream request.
func (r *StreamResponse) IsEventStream() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(r.ContentType)), eventStreamType)
}

// Client talks to the search platform and the inference endpoint.
type Client struct {
	baseURL      string
	inferenceURL string
	httpClient   *http.Client
	log          *zap.Logger

	getter      Getter
	paramPrefix string

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithInferenceURL(inferenceURL string) Option {
	return func(c *Client) {
		c.inferenceURL = strings.TrimSpace(inferenceURL)
	}
}

// WithHTTPClient replaces the transport. Deadlines come from the request
// context, so a client timeout would cut long streams short.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets a static bearer token and disables the parameter store lookup.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		key = strings.TrimSpace(key)
		if key != "" {
			c.apiKey = key
		}
	}
}

// WithParamStore resolves the bearer token from <prefix>/api-token on first use.
func WithParamStore(getter Getter, paramPrefix string) Option {
	return func(c *Client) {
		c.getter = getter
		c.paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, errors.New("platform: base URL must not be empty")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("platform: invalid base URL: %w", err)
	}
	if c.inferenceURL == "" {
		c.inferenceURL = c.baseURL + "/predict"
	}
	c.log = c.log.With(zap.String("component", "platform"))
	return c, nil
}

// resolveAPIKey fetches the token on first use and keeps it once fetched. A
// failed fetch is not remembered; the next request tries again. Without a key
// source requests go unauthenticated.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" || c.getter == nil {
		return c.apiKey, nil
	}
	key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.paramPrefix+"/api-token")
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// Predict asks a question and waits for the whole answer. The body is parsed
// as JSON whatever content type the server declares.
func (c *Client) Predict(ctx context.Context, in PredictRequest) (domain.Answer, error) {
	in.Stream = false
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.inferenceURL, in)
	if err != nil {
		return domain.Answer{}, err
	}
	req.Header.Set("Accept", "application/json")

	raw, err := c.doRequest(req)
	if err != nil {
		return domain.Answer{}, err
	}
	return stream.DecodeAnswer(raw)
}

// PredictStream asks a question requesting an event stream. Servers may ignore
// the Accept header; check IsEventStream before reading Body.
func (c *Client) PredictStream(ctx context.Context, in PredictRequest) (*StreamResponse, error) {
	in.Stream = true
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.inferenceURL, in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", eventStreamType)
	req.Header.Set("Cache-Control", "no-cache")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform: stream request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		return nil, statusError(res, req.URL.String())
	}
	return &StreamResponse{Body: res.Body, ContentType: res.Header.Get("Content-Type")}, nil
}

type queryRequest struct {
	Query     string `json:"query"`
	ProductID string `json:"productId,omitempty"`
}

// QueryEndpoint sends a question to one named query endpoint and returns the
// raw body. Answer extraction is left to the caller.
func (c *Client) QueryEndpoint(ctx context.Context, endpoint, query, productID string) ([]byte, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, apperror.Newf(apperror.KindValidation, "platform: query endpoint", "endpoint name is empty")
	}
	target := c.baseURL + "/endpoints/" + url.PathEscape(endpoint) + ":query"
	req, err := c.newJSONRequest(ctx, http.MethodPost, target, queryRequest{Query: query, ProductID: productID})
	if err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

// Suggest returns typeahead completions for a partial query.
func (c *Client) Suggest(ctx context.Context, query string) ([]string, error) {
	target := c.baseURL + "/completeQuery?" + url.Values{"query": {query}}.Encode()
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.doJSON(req)
	if err != nil {
		return nil, err
	}

	out := []string{}
	gjson.GetBytes(raw, "querySuggestions").ForEach(func(_, v gjson.Result) bool {
		if s := v.Get("suggestion").String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	if len(out) == 0 {
		gjson.GetBytes(raw, "suggestions").ForEach(func(_, v gjson.Result) bool {
			if s := v.String(); s != "" {
				out = append(out, s)
			}
			return true
		})
	}
	return out, nil
}

// Health pings the platform.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	_, err = c.doRequest(req)
	return err
}

func (c *Client) newJSONRequest(ctx context.Context, method, target string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("platform: marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, apperror.New(apperror.KindOf(err), "platform: resolve api key", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("platform: create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// doJSON is doRequest plus a JSON validity check that ignores Content-Type.
func (c *Client) doJSON(req *http.Request) ([]byte, error) {
	raw, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		c.log.Warn("non-JSON response body",
			zap.String("url", req.URL.String()),
			zap.String("snippet", stream.Snippet(raw)))
		return nil, apperror.Newf(apperror.KindParse, "platform", "response from %s is not JSON: %q", req.URL.Path, stream.Snippet(raw))
	}
	return raw, nil
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	start := time.Now()
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	c.log.Debug("upstream response",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("status", res.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError(res, req.URL.String())
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("platform: read response body: %w", err)
	}
	return buf, nil
}

func statusError(res *http.Response, target string) error {
	buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        target,
		Body:       string(buf),
	}
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("platform: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("platform: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", apperror.Newf(apperror.KindAuthorization, "platform", "API token is empty")
	}
	return tp.Token, nil
}
