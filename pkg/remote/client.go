// Package remote speaks to the system of record. The server is expected to
// deduplicate calls bearing the same idempotency key, so a retried Apply has
// no double effect.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/gatehouse/offline-sdk/pkg/mutation"
)

var tracer = otel.Tracer("offline-sdk/pkg.remote")

const idempotencyKeyHeader = "Idempotency-Key"

// Entity is a server-returned resource representation.
type Entity struct {
	Key     mutation.ResourceKey
	Payload json.RawMessage
}

// Client is the boundary to the system of record. Apply may return a nil
// entity when the server acknowledges without a body.
type Client interface {
	Apply(ctx context.Context, m *mutation.QueuedMutation) (*Entity, error)
	Fetch(ctx context.Context, key mutation.ResourceKey) (*Entity, error)
	ResolveScope(ctx context.Context) (string, error)
}

type (
	DoOption      func(*http.Response) error
	RequestOption func() (io.ReadWriter, map[string]string, error)
)

func WithJSONResponse(response interface{}) DoOption {
	return func(resp *http.Response) error {
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(response)
	}
}

func WithJSONBody(body interface{}) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		buffer := new(bytes.Buffer)
		err := json.NewEncoder(buffer).Encode(body)
		if err != nil {
			return nil, nil, err
		}
		return buffer, map[string]string{"Content-Type": "application/json"}, nil
	}
}

func WithHeader(key string, value string) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{key: value}, nil
	}
}

// HTTPClient is the production Client. It performs exactly one attempt per
// call; retry policy belongs to the sync engine.
type HTTPClient struct {
	baseURL    *url.URL
	httpClient *http.Client
}

type HTTPClientOption func(*HTTPClient)

func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

func NewHTTPClient(baseURL string, opts ...HTTPClientOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	c := &HTTPClient{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type applyRequest struct {
	Kind         string          `json:"kind"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

type entityResponse struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Payload      json.RawMessage `json:"payload"`
}

func (c *HTTPClient) Apply(ctx context.Context, m *mutation.QueuedMutation) (*Entity, error) {
	ctx, span := tracer.Start(ctx, "HTTPClient.Apply")
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("mutations"),
		WithJSONBody(&applyRequest{
			Kind:         string(m.Kind),
			ResourceType: m.Target.Type,
			ResourceID:   m.Target.ID,
			Payload:      m.Payload,
		}),
		WithHeader(idempotencyKeyHeader, m.IdempotencyKey),
	)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var body entityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// The mutation applied; only the body was unusable. Callers treat a
		// nil entity as "clear stale and refetch".
		ctxzap.Extract(ctx).Warn("undecodable apply response", zap.Error(err))
		return nil, nil
	}
	return body.entity(), nil
}

func (c *HTTPClient) Fetch(ctx context.Context, key mutation.ResourceKey) (*Entity, error) {
	ctx, span := tracer.Start(ctx, "HTTPClient.Fetch")
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("resources", key.Type, key.ID))
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body entityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("remote: decode resource: %w", err)
	}
	return body.entity(), nil
}

// ResolveScope asks the server which account scope the session belongs to.
// This happens once per session; there are no client-side fallback values.
func (c *HTTPClient) ResolveScope(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "HTTPClient.ResolveScope")
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("session", "scope"))
	if err != nil {
		return "", err
	}

	var body struct {
		Scope string `json:"scope"`
	}
	resp, err := c.do(ctx, req, WithJSONResponse(&body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if body.Scope == "" {
		return "", &PermanentError{StatusCode: resp.StatusCode, Message: "empty scope"}
	}
	return body.Scope, nil
}

func (r *entityResponse) entity() *Entity {
	return &Entity{
		Key:     mutation.ResourceKey{Type: r.ResourceType, ID: r.ResourceID},
		Payload: r.Payload,
	}
}

func (c *HTTPClient) endpoint(parts ...string) *url.URL {
	return c.baseURL.JoinPath(parts...)
}

func (c *HTTPClient) newRequest(ctx context.Context, method string, u *url.URL, options ...RequestOption) (*http.Request, error) {
	var buffer io.ReadWriter
	headers := make(map[string]string)
	for _, option := range options {
		buf, h, err := option()
		if err != nil {
			return nil, err
		}
		if buf != nil {
			buffer = buf
		}
		for k, v := range h {
			headers[k] = v
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), buffer)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request, options ...DoOption) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := readErrorMessage(resp)
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, message)
	}

	for _, option := range options {
		if err := option(resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func readErrorMessage(resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}
