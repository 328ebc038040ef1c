// Package client provides a Go client for the session controller HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// Client talks to a running server. It keeps the session cookie across
// calls, so one Client is one player session.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents an error envelope returned by the server.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Status is the aggregate server state returned by /status.
type Status struct {
	Rooms    map[string][]string `json:"rooms"`
	Capacity map[string]int      `json:"capacity"`
	Control  ControlStatus       `json:"control"`
	You      You                 `json:"you"`
}

// You describes the calling session as the server sees it.
type You struct {
	SessionID int    `json:"session_id"`
	Name      string `json:"name"`
	Room      string `json:"room"`
}

// ControlStatus describes the control lock.
type ControlStatus struct {
	Owner            int     `json:"owner"`
	OwnerName        string  `json:"owner_name"`
	Timestamp        float64 `json:"timestamp"`
	PasswordRequired bool    `json:"password_required"`
	PasswordOK       bool    `json:"password_ok"`
}

// JoinResult is returned by Join.
type JoinResult struct {
	Room     string              `json:"room"`
	Name     string              `json:"name"`
	Rooms    map[string][]string `json:"rooms"`
	Capacity map[string]int      `json:"capacity"`
}

// SearchResult is one page of song search hits.
type SearchResult struct {
	Items []SongHit `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
}

// SongHit is a single search hit.
type SongHit struct {
	ID         int    `json:"id"`
	Display    string `json:"display"`
	InPlaylist bool   `json:"upl"`
}

// AutomationStatus mirrors the /playlist/status payload.
type AutomationStatus struct {
	Enabled            bool   `json:"enabled"`
	Phase              string `json:"phase"`
	Status             string `json:"status"`
	CurrentIndex       int    `json:"current_index"`
	CurrentSong        string `json:"current_song"`
	NextSong           string `json:"next_song"`
	PendingSong        string `json:"pending_song"`
	CountdownRemaining int    `json:"countdown_remaining"`
	CountdownToken     int    `json:"countdown_token"`
	AutoAdded          int    `json:"auto_added"`
}

// New creates a client for the server at baseURL.
func New(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("server URL is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cookie jar")
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second, Jar: jar},
	}, nil
}

// Status fetches the aggregate server state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join places the session into a room.
func (c *Client) Join(ctx context.Context, roomName, playerName string) (*JoinResult, error) {
	var out JoinResult
	err := c.post(ctx, "/rooms/join", map[string]any{"room": roomName, "name": playerName}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave removes the session from its room.
func (c *Client) Leave(ctx context.Context) error {
	return c.post(ctx, "/rooms/leave", map[string]any{}, nil)
}

// SetCapacity changes a room's member limit. Requires the control lock.
func (c *Client) SetCapacity(ctx context.Context, roomName string, limit int) error {
	return c.post(ctx, "/rooms/capacity", map[string]any{"room": roomName, "limit": limit}, nil)
}

// Authenticate presents the control passphrase.
func (c *Client) Authenticate(ctx context.Context, password string) error {
	return c.post(ctx, "/control/auth", map[string]any{"password": password}, nil)
}

// AcquireControl takes the control lock.
func (c *Client) AcquireControl(ctx context.Context, name string) error {
	return c.post(ctx, "/control/acquire", map[string]any{"name": name}, nil)
}

// ReleaseControl gives the control lock back.
func (c *Client) ReleaseControl(ctx context.Context) error {
	return c.post(ctx, "/control/release", map[string]any{}, nil)
}

// Keystroke sends a navigation key to the game.
func (c *Client) Keystroke(ctx context.Context, key string) error {
	return c.post(ctx, "/control/keystroke", map[string]any{"key": key}, nil)
}

// TypeText types free text into the game.
func (c *Client) TypeText(ctx context.Context, text string) error {
	return c.post(ctx, "/control/text", map[string]any{"text": text}, nil)
}

// Search queries the song index.
func (c *Client) Search(ctx context.Context, query string, page, perPage int) (*SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		params.Set("per_page", strconv.Itoa(perPage))
	}
	var out SearchResult
	if err := c.get(ctx, "/songs/search?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddToPlaylist puts a song on the session playlist, or removes it.
func (c *Client) AddToPlaylist(ctx context.Context, songID int, add bool) error {
	action := "add"
	if !add {
		action = "remove"
	}
	return c.post(ctx, "/songs/add_to_upl", map[string]any{"id": songID, "action": action}, nil)
}

// AutomationStatus fetches the playlist automation state.
func (c *Client) AutomationStatus(ctx context.Context) (*AutomationStatus, error) {
	var out AutomationStatus
	if err := c.get(ctx, "/playlist/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleAutomation enables or disables the playlist automation.
func (c *Client) ToggleAutomation(ctx context.Context, enabled bool, countdownSeconds *int) (*AutomationStatus, error) {
	body := map[string]any{"enabled": enabled}
	if countdownSeconds != nil {
		body["countdown_seconds"] = *countdownSeconds
	}
	var out AutomationStatus
	if err := c.post(ctx, "/playlist/toggle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NextSong skips the running countdown and advances immediately.
func (c *Client) NextSong(ctx context.Context) (*AutomationStatus, error) {
	var out struct {
		State AutomationStatus `json:"state"`
	}
	if err := c.post(ctx, "/playlist/next", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return &out.State, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Code != "" {
			return &apiErr
		}
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "failed to parse response")
	}
	return nil
}
