// Package chatsync keeps a local, offline-capable view of conversations and
// messages converged with a chat server.
//
// Three sources write into the local cache: optimistic local writes, a
// catch-up run at connect time, and a live push channel. All of them go
// through one merge engine, so the cache never holds two copies of a
// message and delivery status never moves backwards.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	engine, _ := chatsync.NewEngine(chatsync.EngineOptions{
//		Remote:     client,
//		Subscriber: client.Realtime(chatsync.RealtimeConfig{AutoReconnect: true}),
//		Config:     chatsync.Config{Identity: "user-1"},
//	})
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Stop(ctx)
//
//	engine.Writer().Send(ctx, chatsync.Draft{ConversationID: "c-1", Body: chatsync.MessageBody{Text: "hi"}})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ============================================================================
// Remote API
// ============================================================================

// QueryAPI is the part of the remote API the catch-up run needs.
type QueryAPI interface {
	QueryCreatedSince(ctx context.Context, q DeltaQuery) (*QueryPage, error)
	QueryModifiedSince(ctx context.Context, q DeltaQuery) (*QueryPage, error)
	DrainPendingQueue(ctx context.Context, maxBatch int) (*DrainSummary, error)
	FetchPayload(ctx context.Context, fileID, key string) ([]byte, error)
}

// ReadAPI lists and fetches typed entities.
type ReadAPI interface {
	ListConversations(ctx context.Context, cursor string, limit int) (*Page[*Conversation], error)
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*Page[*Message], error)
	GetConversation(ctx context.Context, uniqueID string) (*Conversation, error)
	GetMessage(ctx context.Context, conversationID, uniqueID string) (*Message, error)
}

// WriteAPI creates, updates and deletes entities. Updates carry the base
// VersionTag and fail with ErrStaleVersion when it is outdated.
type WriteAPI interface {
	CreateMessage(ctx context.Context, m *Message) (*WriteReceipt, error)
	UpdateMessage(ctx context.Context, m *Message) (*WriteReceipt, error)
	DeleteMessage(ctx context.Context, conversationID, uniqueID string, hard bool) error
	CreateConversation(ctx context.Context, c *Conversation) (*WriteReceipt, error)
	UpdateConversation(ctx context.Context, c *Conversation) (*WriteReceipt, error)
	DeleteConversation(ctx context.Context, uniqueID string) error
}

// Remote is the full remote API.
type Remote interface {
	QueryAPI
	ReadAPI
	WriteAPI
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://chat.prismer.cloud"
	DefaultTimeout = 30 * time.Second
)

// Client is the HTTP/JSON implementation of Remote.
type Client struct {
	token      string
	baseURL    string
	identity   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ Remote = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit caps outgoing requests at rps per second with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithIdentity sends the local identity with every request.
func WithIdentity(identity string) ClientOption {
	return func(c *Client) { c.identity = identity }
}

// NewClient creates a new API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Realtime returns a websocket subscriber for the same server and token.
func (c *Client) Realtime(cfg RealtimeConfig) *RealtimeClient {
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewRealtimeClient(c.baseURL, cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	method  string
	path    string
	body    interface{}
	query   map[string]string
	headers map[string]string
}

func (c *Client) doRequest(ctx context.Context, r request) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate limit: %w", err)
		}
	}

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		params := url.Values{}
		for k, v := range r.query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.identity != "" {
		req.Header.Set("X-Chat-Identity", c.identity)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// call performs r and decodes the data of the Result envelope into T.
func call[T any](ctx context.Context, c *Client, r request) (*T, error) {
	data, status, err := c.doRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status), Status: status}
		}
		return nil, err
	}
	if !res.OK || status >= 400 {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		apiErr.Status = status
		return nil, apiErr
	}
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return &out, nil
}

func pageQuery(cursor string, limit int) map[string]string {
	q := map[string]string{}
	if cursor != "" {
		q["cursor"] = cursor
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	return q
}

// ============================================================================
// Query API
// ============================================================================

type deltaRequest struct {
	Type       EntityType `json:"type"`
	Drive      string     `json:"drive,omitempty"`
	Collection string     `json:"collection,omitempty"`
	Since      time.Time  `json:"since"`
	Cursor     string     `json:"cursor,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

func newDeltaRequest(q DeltaQuery) deltaRequest {
	return deltaRequest{
		Type:       q.Type,
		Drive:      q.Scope.Drive,
		Collection: q.Scope.Collection,
		Since:      q.Since.UTC(),
		Cursor:     q.Cursor,
		Limit:      q.Limit,
	}
}

func (c *Client) QueryCreatedSince(ctx context.Context, q DeltaQuery) (*QueryPage, error) {
	return call[QueryPage](ctx, c, request{method: "POST", path: "/api/chat/query/created", body: newDeltaRequest(q)})
}

func (c *Client) QueryModifiedSince(ctx context.Context, q DeltaQuery) (*QueryPage, error) {
	return call[QueryPage](ctx, c, request{method: "POST", path: "/api/chat/query/modified", body: newDeltaRequest(q)})
}

func (c *Client) DrainPendingQueue(ctx context.Context, maxBatch int) (*DrainSummary, error) {
	return call[DrainSummary](ctx, c, request{
		method: "POST",
		path:   "/api/chat/inbox/drain",
		body:   map[string]int{"maxBatch": maxBatch},
	})
}

// FetchPayload returns the raw bytes of one payload of a file.
func (c *Client) FetchPayload(ctx context.Context, fileID, key string) ([]byte, error) {
	data, status, err := c.doRequest(ctx, request{
		method: "GET",
		path:   "/api/chat/files/" + url.PathEscape(fileID) + "/payloads/" + url.PathEscape(key),
	})
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status), Status: status}
	}
	return data, nil
}

// ============================================================================
// Read API
// ============================================================================

func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) (*Page[*Conversation], error) {
	return call[Page[*Conversation]](ctx, c, request{
		method: "GET",
		path:   "/api/chat/conversations",
		query:  pageQuery(cursor, limit),
	})
}

func (c *Client) ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*Page[*Message], error) {
	page, err := call[Page[*Message]](ctx, c, request{
		method: "GET",
		path:   "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages",
		query:  pageQuery(cursor, limit),
	})
	if err != nil {
		return nil, err
	}
	for _, m := range page.Items {
		stampServerTime(m)
	}
	return page, nil
}

func (c *Client) GetConversation(ctx context.Context, uniqueID string) (*Conversation, error) {
	return call[Conversation](ctx, c, request{
		method: "GET",
		path:   "/api/chat/conversations/" + url.PathEscape(uniqueID),
	})
}

func (c *Client) GetMessage(ctx context.Context, conversationID, uniqueID string) (*Message, error) {
	m, err := call[Message](ctx, c, request{
		method: "GET",
		path:   messagePath(conversationID, uniqueID),
	})
	if err != nil {
		return nil, err
	}
	stampServerTime(m)
	return m, nil
}

// stampServerTime records that m's UpdatedAt came from the server.
func stampServerTime(m *Message) {
	if m != nil {
		m.ServerUpdatedAt = m.UpdatedAt
	}
}

func messagePath(conversationID, uniqueID string) string {
	return "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(uniqueID)
}

// ============================================================================
// Write API
// ============================================================================

// CreateMessage sends m. The UniqueID doubles as the idempotency key, so a
// retried send never creates a second message. A receipt naming failed
// recipients comes back together with a *PartialDeliveryError.
func (c *Client) CreateMessage(ctx context.Context, m *Message) (*WriteReceipt, error) {
	rec, err := call[WriteReceipt](ctx, c, request{
		method:  "POST",
		path:    "/api/chat/conversations/" + url.PathEscape(m.ConversationID) + "/messages",
		body:    m,
		headers: map[string]string{"Idempotency-Key": m.UniqueID},
	})
	if err != nil {
		return nil, err
	}
	if len(rec.FailedRecipients) > 0 {
		return rec, &PartialDeliveryError{FailedRecipients: rec.FailedRecipients}
	}
	return rec, nil
}

func (c *Client) UpdateMessage(ctx context.Context, m *Message) (*WriteReceipt, error) {
	return call[WriteReceipt](ctx, c, request{
		method:  "PATCH",
		path:    messagePath(m.ConversationID, m.UniqueID),
		body:    m,
		headers: map[string]string{"If-Match": m.VersionTag},
	})
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, uniqueID string, hard bool) error {
	q := map[string]string{}
	if hard {
		q["hard"] = "true"
	}
	_, err := call[json.RawMessage](ctx, c, request{
		method: "DELETE",
		path:   messagePath(conversationID, uniqueID),
		query:  q,
	})
	return err
}

func (c *Client) CreateConversation(ctx context.Context, conv *Conversation) (*WriteReceipt, error) {
	return call[WriteReceipt](ctx, c, request{
		method:  "POST",
		path:    "/api/chat/conversations",
		body:    conv,
		headers: map[string]string{"Idempotency-Key": conv.UniqueID},
	})
}

func (c *Client) UpdateConversation(ctx context.Context, conv *Conversation) (*WriteReceipt, error) {
	return call[WriteReceipt](ctx, c, request{
		method:  "PATCH",
		path:    "/api/chat/conversations/" + url.PathEscape(conv.UniqueID),
		body:    conv,
		headers: map[string]string{"If-Match": conv.VersionTag},
	})
}

func (c *Client) DeleteConversation(ctx context.Context, uniqueID string) error {
	_, err := call[json.RawMessage](ctx, c, request{
		method: "DELETE",
		path:   "/api/chat/conversations/" + url.PathEscape(uniqueID),
	})
	return err
}

// Health checks server reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := call[json.RawMessage](ctx, c, request{method: "GET", path: "/api/chat/health"})
	return err
}
