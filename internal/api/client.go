// Package api talks JSON over HTTP to the relay and the campus backend.
package api

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Error is a non-2xx response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.Status)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client calls JSON endpoints under one base URL.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "api").Logger(),
	}
}

// SetToken replaces the bearer token used for later calls.
func (c *Client) SetToken(token string) { c.token = token }

// Call sends in as the JSON body (when non-nil) and decodes the response into
// out (when non-nil).
func (c *Client) Call(ctx context.Context, method, path string, in, out any) error {
	raw, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("api call")

	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = gjson.GetBytes(raw, "message").String()
		}
		return nil, &Error{Status: resp.StatusCode, Message: msg}
	}
	return raw, nil
}

// User is the authenticated account.
type User struct {
	ID     string
	Name   string
	Email  string
	Campus string
}

// Login exchanges credentials for a bearer token. The token is kept for
// later calls.
func (c *Client) Login(ctx context.Context, email, password string) (string, User, error) {
	raw, err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    strings.ToLower(strings.TrimSpace(email)),
		"password": password,
	})
	if err != nil {
		return "", User{}, err
	}
	doc := gjson.ParseBytes(raw)
	if s := doc.Get("success"); s.Exists() && !s.Bool() {
		return "", User{}, &Error{Status: http.StatusUnauthorized, Message: doc.Get("message").String()}
	}
	token := doc.Get("token").String()
	if token == "" {
		return "", User{}, fmt.Errorf("login: response carries no token")
	}
	c.SetToken(token)
	return token, parseUser(doc.Get("user")), nil
}

// SignupRequest is the registration form.
type SignupRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Campus    string `json:"campus,omitempty"`
	StudentID string `json:"student_id,omitempty"`
	Program   string `json:"program,omitempty"`
	YearLevel string `json:"year_level,omitempty"`
}

func (c *Client) Signup(ctx context.Context, req SignupRequest) (User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	raw, err := c.do(ctx, http.MethodPost, "/api/auth/signup", req)
	if err != nil {
		return User{}, err
	}
	doc := gjson.ParseBytes(raw)
	if s := doc.Get("success"); s.Exists() && !s.Bool() {
		return User{}, &Error{Status: http.StatusBadRequest, Message: doc.Get("message").String()}
	}
	return parseUser(doc.Get("user")), nil
}

func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/auth/forgot-password", map[string]string{
		"email": strings.ToLower(strings.TrimSpace(email)),
	})
	return err
}

func parseUser(v gjson.Result) User {
	return User{
		ID:     v.Get("id").String(),
		Name:   v.Get("name").String(),
		Email:  v.Get("email").String(),
		Campus: v.Get("campus").String(),
	}
}

// DeleteMessage retracts a message for everyone in the room.
func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(messageID)
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}

// MarkRead stores a read receipt for the room.
func (c *Client) MarkRead(ctx context.Context, roomID string, at time.Time) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/read"
	_, err := c.do(ctx, http.MethodPost, path, map[string]time.Time{"last_read": at.UTC()})
	return err
}

// Receipt is another member's read marker.
type Receipt struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	LastRead time.Time `json:"last_read"`
}

func (c *Client) Receipts(ctx context.Context, roomID string) ([]Receipt, error) {
	var out struct {
		Receipts []Receipt `json:"receipts"`
	}
	err := c.Call(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/receipts", nil, &out)
	return out.Receipts, err
}
