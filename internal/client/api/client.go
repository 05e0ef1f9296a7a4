// Package api is the typed REST client for the consultation backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

const IdempotencyHeader = "Idempotency-Key"

// Error is a non-2xx answer from the backend.
type Error struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// HasCode reports whether err is an *Error with the given business code.
func HasCode(err error, code int) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

// IsUnauthorized reports a missing, invalid or expired token.
func IsUnauthorized(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

type MediaCredentials struct {
	AppID       string `json:"app_id"`
	ChannelName string `json:"channel_name"`
	Token       string `json:"token"`
	UID         uint32 `json:"uid"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu    sync.RWMutex
	token string
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		token:   token,
	}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func call[T any](ctx context.Context, c *Client, method, path string, body any, hdr http.Header) (T, error) {
	var zero T

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	var decoded envelope[T]
	decErr := json.NewDecoder(resp.Body).Decode(&decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &Error{StatusCode: resp.StatusCode, Code: decoded.Code, Message: decoded.Message}
		if decErr != nil || ae.Message == "" {
			ae.Message = http.StatusText(resp.StatusCode)
		}
		return zero, ae
	}
	if decErr != nil {
		return zero, fmt.Errorf("api: decode %s %s: %w", method, path, decErr)
	}
	if decoded.Code != common.CodeOK {
		return zero, &Error{StatusCode: resp.StatusCode, Code: decoded.Code, Message: decoded.Message}
	}
	return decoded.Data, nil
}

func sessionPath(id uint64, suffix string) string {
	return "/chat-sessions/" + strconv.FormatUint(id, 10) + suffix
}

type authResp struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Login stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*models.User, error) {
	out, err := call[authResp](ctx, c, http.MethodPost, "/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return out.User, nil
}

func (c *Client) Register(ctx context.Context, name, email, password string) (*models.User, error) {
	out, err := call[authResp](ctx, c, http.MethodPost, "/users", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return out.User, nil
}

func (c *Client) GetUser(ctx context.Context) (*models.User, error) {
	out, err := call[struct {
		User *models.User `json:"user"`
	}](ctx, c, http.MethodGet, "/user/get-user", nil, nil)
	if err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, errors.New("api: identity response without user")
	}
	return out.User, nil
}

func (c *Client) Categories(ctx context.Context) ([]models.Category, error) {
	return call[[]models.Category](ctx, c, http.MethodGet, "/categories", nil, nil)
}

func (c *Client) WaitingSessions(ctx context.Context) ([]models.ChatSession, error) {
	return call[[]models.ChatSession](ctx, c, http.MethodGet, "/chat-sessions/waiting", nil, nil)
}

func (c *Client) Sessions(ctx context.Context) ([]models.ChatSession, error) {
	return call[[]models.ChatSession](ctx, c, http.MethodGet, "/chat-sessions", nil, nil)
}

// CreateSession posts a new consultation request. A non-empty key lets the
// server collapse duplicates of the same logical request.
func (c *Client) CreateSession(ctx context.Context, categoryID uint64, initialMessage, idempotencyKey string) (*models.ChatSession, error) {
	var hdr http.Header
	if idempotencyKey != "" {
		hdr = http.Header{IdempotencyHeader: []string{idempotencyKey}}
	}
	body := struct {
		CategoryID     uint64 `json:"categoryId"`
		InitialMessage string `json:"initial_message"`
	}{categoryID, initialMessage}
	return call[*models.ChatSession](ctx, c, http.MethodPost, "/chat-sessions", body, hdr)
}

func (c *Client) GetSession(ctx context.Context, id uint64) (*models.ChatSession, error) {
	return call[*models.ChatSession](ctx, c, http.MethodGet, sessionPath(id, ""), nil, nil)
}

func (c *Client) AcceptSession(ctx context.Context, id uint64) (*models.ChatSession, error) {
	return call[*models.ChatSession](ctx, c, http.MethodPost, sessionPath(id, "/accept"), nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, id uint64, text string) (*models.Message, error) {
	return call[*models.Message](ctx, c, http.MethodPost, sessionPath(id, "/messages"), map[string]string{"message": text}, nil)
}

// ListMessages returns one page, newest first, and the cursor for the next.
func (c *Client) ListMessages(ctx context.Context, id uint64, limit int, beforeID uint64) ([]models.Message, uint64, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatUint(beforeID, 10))
	}
	path := sessionPath(id, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	out, err := call[struct {
		Messages     []models.Message `json:"messages"`
		NextBeforeID uint64           `json:"next_before_id"`
	}](ctx, c, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	return out.Messages, out.NextBeforeID, nil
}

func (c *Client) MarkRead(ctx context.Context, id uint64) (int64, error) {
	out, err := call[struct {
		Marked int64 `json:"marked"`
	}](ctx, c, http.MethodPost, sessionPath(id, "/read"), nil, nil)
	return out.Marked, err
}

func (c *Client) CloseSession(ctx context.Context, id uint64) (*models.ChatSession, error) {
	return call[*models.ChatSession](ctx, c, http.MethodPost, sessionPath(id, "/close"), nil, nil)
}

func (c *Client) MediaToken(ctx context.Context, id uint64) (*MediaCredentials, error) {
	return call[*MediaCredentials](ctx, c, http.MethodGet, sessionPath(id, "/media-token"), nil, nil)
}
