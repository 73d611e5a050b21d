package orbit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// HTTP Backend
// ============================================================================

// DefaultTimeout is the per-request timeout of the default HTTP client.
const DefaultTimeout = 30 * time.Second

// HTTPBackend is the REST binding of the Backend interface. The sync core
// never depends on it directly; applications with a different query layer
// supply their own Backend.
type HTTPBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

// WithTimeout sets the per-request timeout on the default client.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient.Timeout = timeout }
}

// NewHTTPBackend creates a REST backend rooted at baseURL. token may be
// empty for anonymous access.
func NewHTTPBackend(baseURL, token string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetToken updates the auth token, e.g. after sign-in.
func (b *HTTPBackend) SetToken(token string) {
	b.token = token
}

// apiEnvelope is the uniform wire wrapper of backend responses.
type apiEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (b *HTTPBackend) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (json.RawMessage, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !env.OK {
		if env.Error != nil {
			return nil, env.Error
		}
		return nil, &APIError{Code: http.StatusText(resp.StatusCode), Message: "request failed"}
	}
	return env.Data, nil
}

// FetchSnapshot implements Backend.
func (b *HTTPBackend) FetchSnapshot(ctx context.Context, scope Scope) ([]Record, error) {
	data, err := b.doRequest(ctx, http.MethodGet,
		"/v1/scopes/"+url.PathEscape(scope.Key())+"/records", nil, nil)
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return recs, nil
}

// Mutate implements Backend.
func (b *HTTPBackend) Mutate(ctx context.Context, kind EntityKind, payload map[string]any) (Record, error) {
	data, err := b.doRequest(ctx, http.MethodPost,
		"/v1/"+url.PathEscape(string(kind))+"s", payload, nil)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal confirmed record: %w", err)
	}
	return rec, nil
}

// ResolveProfile implements Backend. A 404-style miss is reported by the
// backend as ok with null data and decodes to (nil, nil).
func (b *HTTPBackend) ResolveProfile(ctx context.Context, userID string) (*Profile, error) {
	data, err := b.doRequest(ctx, http.MethodGet,
		"/v1/profiles/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &p, nil
}

// ResolveMember implements Backend.
func (b *HTTPBackend) ResolveMember(ctx context.Context, serverID, userID string) (*Member, error) {
	data, err := b.doRequest(ctx, http.MethodGet,
		"/v1/servers/"+url.PathEscape(serverID)+"/members/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal member: %w", err)
	}
	return &m, nil
}

var _ Backend = (*HTTPBackend)(nil)
