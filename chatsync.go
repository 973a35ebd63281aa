// Package chatsync keeps a chat client in sync with the KoalaSwap chat
// backend.
//
// It owns one STOMP-over-WebSocket connection, multiplexes topic
// subscriptions over it (replaying them after every reconnect), merges sent,
// pushed and paged messages into one de-duplicated list per conversation,
// tracks the peer's read pointer, and keeps the conversation list's unread
// counts current by polling and inbox pushes.
//
// Example:
//
//	client := chatsync.NewClient(
//		chatsync.WithBaseURL("https://api.koalaswap.example"),
//		chatsync.WithToken(token),
//		chatsync.WithUserID(myID),
//	)
//
//	m := chatsync.NewMessenger(client, chatsync.MessengerConfig{})
//	m.Start(ctx)
//	defer m.Stop()
//
//	m.Conversations().OnChange(func(list []chatsync.ConversationSummary, total int) { ... })
//
//	view, _ := m.Open(ctx, conversationID)
//	defer view.Close()
//	view.SendText(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL       = "http://localhost:8080"
	DefaultTimeout       = 30 * time.Second
	DefaultSendTimeout   = 15 * time.Second
	DefaultWebSocketPath = "/ws/chat/websocket"

	apiPrefix = "/api/chat"
)

// TokenSource returns the bearer token to use right now. It is consulted on
// every request and every connect attempt.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator of the sync engine.
type Client struct {
	baseURL     string
	wsPath      string
	tokens      TokenSource
	userID      func() string
	sendTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

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

// WithToken installs a fixed bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.tokens = StaticToken(token) }
}

// WithTokenSource installs a token getter consulted on every call.
func WithTokenSource(src TokenSource) ClientOption {
	return func(c *Client) { c.tokens = src }
}

// WithUserID sets the current user's id.
func WithUserID(id string) ClientOption {
	return func(c *Client) { c.userID = func() string { return id } }
}

// WithUserIDSource installs a current-user accessor.
func WithUserIDSource(fn func() string) ClientOption {
	return func(c *Client) { c.userID = fn }
}

// WithSendTimeout bounds each send call.
func WithSendTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.sendTimeout = d }
}

// WithWebSocketPath overrides the path of the raw WebSocket endpoint.
func WithWebSocketPath(path string) ClientOption {
	return func(c *Client) { c.wsPath = path }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a chat REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		wsPath:      DefaultWebSocketPath,
		tokens:      StaticToken(""),
		userID:      func() string { return "" },
		sendTimeout: DefaultSendTimeout,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// SetToken replaces the token source with a fixed token.
func (c *Client) SetToken(token string) {
	c.tokens = StaticToken(token)
}

// Token resolves the current bearer token.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens(ctx)
}

// UserID returns the current user's id.
func (c *Client) UserID() string {
	return c.userID()
}

// WebSocketURL is the endpoint the realtime transport dials.
func (c *Client) WebSocketURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + c.wsPath
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, header http.Header) (int, []byte, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	token, err := c.tokens(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("resolve token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// call performs a request and unwraps the response envelope into T.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}, query url.Values, header http.Header) (*T, error) {
	status, data, err := c.doRequest(ctx, method, path, body, query, header)
	if err != nil {
		return nil, err
	}

	var env Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil && status < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if status >= 300 || !env.OK {
		if status < 300 {
			status = http.StatusBadRequest
		}
		return nil, &APIError{StatusCode: status, Message: env.Message}
	}

	var result T
	if err := env.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations returns one page of the conversation list with peer,
// product and unread information aggregated in.
func (c *Client) ListConversations(ctx context.Context, opts ListConversationsOptions) (*Page[ConversationSummary], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(opts.Page))
	if opts.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Size))
	}
	if opts.OnlyArchived {
		q.Set("onlyArchived", "true")
	}
	if opts.OnlyPinned {
		q.Set("onlyPinned", "true")
	}
	q.Set("aggregate", "true")
	return call[Page[ConversationSummary]](ctx, c, http.MethodGet, "/conversations", nil, q, nil)
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error) {
	return call[ConversationDetail](ctx, c, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, nil, nil)
}

// CreateConversation opens a conversation about a product, or returns the
// existing one.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*ConversationRef, error) {
	return call[ConversationRef](ctx, c, http.MethodPost, "/conversations", req, nil, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil, nil)
	return err
}

func (c *Client) ArchiveConversation(ctx context.Context, conversationID string, archived bool) error {
	q := url.Values{"archived": {strconv.FormatBool(archived)}}
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/archive", nil, q, nil)
	return err
}

func (c *Client) PinConversation(ctx context.Context, conversationID string, pin bool) error {
	q := url.Values{"pin": {strconv.FormatBool(pin)}}
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/pin", nil, q, nil)
	return err
}

// MuteConversation silences a conversation for minutes; zero unmutes.
func (c *Client) MuteConversation(ctx context.Context, conversationID string, minutes int) error {
	q := url.Values{"minutes": {strconv.Itoa(minutes)}}
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/mute", nil, q, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages returns one page of history. Page 0 holds the newest
// messages; content within a page is in chronological order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, size int) (*Page[Message], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	result, err := call[Page[Message]](ctx, c, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q, nil)
	if err != nil {
		return nil, err
	}
	for i := range result.Content {
		result.Content[i].ConversationID = conversationID
	}
	return result, nil
}

// SendText sends a text message and returns it with its server-assigned id.
func (c *Client) SendText(ctx context.Context, conversationID, body string) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}
	return c.send(ctx, conversationID, SendMessageRequest{Type: TypeText, Body: body})
}

// SendImage sends an already uploaded image by URL.
func (c *Client) SendImage(ctx context.Context, conversationID, imageURL string) (*Message, error) {
	if strings.TrimSpace(imageURL) == "" {
		return nil, ErrEmptyMessage
	}
	return c.send(ctx, conversationID, SendMessageRequest{Type: TypeImage, ImageURL: imageURL})
}

func (c *Client) send(ctx context.Context, conversationID string, req SendMessageRequest) (*Message, error) {
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}
	header := http.Header{}
	header.Set("Idempotency-Key", uuid.NewString())
	msg, err := call[Message](ctx, c, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", req, nil, header)
	if err != nil {
		return nil, fmt.Errorf("send %s message: %w", req.Type, err)
	}
	msg.ConversationID = conversationID
	return msg, nil
}

// MarkRead moves my read pointer in the conversation up to messageID and
// clears my unread count there.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) error {
	q := url.Values{}
	if messageID != "" {
		q.Set("lastMessageId", messageID)
	}
	_, err := call[json.RawMessage](ctx, c, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, q, nil)
	return err
}
