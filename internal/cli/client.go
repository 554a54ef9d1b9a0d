package cli

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

	"munymo/internal/auth"
	"munymo/internal/syncq"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// StatusError is a non-2xx answer from the API. Anything else returned by a
// request means the API could not be reached.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsOffline reports whether err means the request never got an answer.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *Client) Signup(ctx context.Context, email, password, username string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Me(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/me", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) TodayGame(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/games/today", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Predict(ctx context.Context, accessToken string, gameID int64, pick, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/games/%d/predictions", gameID), accessToken, map[string]any{
		"pick": pick,
	}, &out, idem)
	return out, err
}

func (c *Client) Predictions(ctx context.Context, accessToken string, page, pageSize int) (map[string]any, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if pageSize > 0 {
		q.Set("page_size", fmt.Sprint(pageSize))
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, withQuery("/v1/predictions", q), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, accessToken, sort string, friends bool, page int) (map[string]any, error) {
	path := "/v1/leaderboard"
	if friends {
		path = "/v1/leaderboard/friends"
	}
	q := url.Values{}
	if sort != "" {
		q.Set("sort", sort)
	}
	if page > 0 && !friends {
		q.Set("page", fmt.Sprint(page))
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, withQuery(path, q), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) MunyIQ(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/munyiq", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Friends(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/friends", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) AddFriend(ctx context.Context, accessToken, inviteCode string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/friends", accessToken, map[string]any{
		"invite_code": inviteCode,
	}, &out, "")
	return out, err
}

func (c *Client) RemoveFriend(ctx context.Context, accessToken, inviteCode string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodDelete, "/v1/friends/"+url.PathEscape(inviteCode), accessToken, nil, &out, "")
	return out, err
}

// ReplayResult reports one queued pick. Status is applied, duplicate, rejected
// or retry; retried picks stay in the local queue.
type ReplayResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

func (c *Client) SyncReplay(ctx context.Context, accessToken string, items []syncq.Prediction) ([]ReplayResult, error) {
	var out struct {
		Results []ReplayResult `json:"results"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sync/replay", accessToken, map[string]any{
		"predictions": items,
	}, &out, "")
	return out.Results, err
}

func (c *Client) GenerateGame(ctx context.Context, accessToken, date string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/games/generate", accessToken, map[string]any{
		"date": date,
	}, &out, "")
	return out, err
}

func (c *Client) SettleGame(ctx context.Context, accessToken string, gameID int64, force bool) (map[string]any, error) {
	path := fmt.Sprintf("/v1/admin/games/%d/settle", gameID)
	if force {
		path += "?force=true"
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, path, accessToken, nil, &out, "")
	return out, err
}

func (c *Client) VoidGame(ctx context.Context, accessToken string, gameID int64, reason string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/admin/games/%d/void", gameID), accessToken, map[string]any{
		"reason": reason,
	}, &out, "")
	return out, err
}

func (c *Client) Jobs(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/admin/jobs", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) RunJob(ctx context.Context, accessToken, name string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/jobs/"+url.PathEscape(name)+"/run", accessToken, nil, &out, "")
	return out, err
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
