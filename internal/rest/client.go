// Package rest talks to the ridelink HTTP API: vehicle snapshots, user
// details, chat history, and token rotation.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ridelink/ridelink/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrAuthRequired means no auth token is stored; the user has to
	// log in before any authenticated call can succeed.
	ErrAuthRequired = errors.New("rest: no auth token")
	// ErrNoRefreshToken means a 403 could not be recovered because no
	// refresh token is stored.
	ErrNoRefreshToken = errors.New("rest: no refresh token")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %s returned %d", e.Path, e.Code)
}

// TokenStore persists the bearer token pair. The sqlite store
// implements it.
type TokenStore interface {
	Token() (string, error)
	RefreshToken() (string, error)
	SetTokens(token, refresh string) error
}

// Client is an authenticated HTTP API client. A 403 response triggers
// one token rotation via /api/refresh-token followed by a single
// retry; rotation failures surface to the caller.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
	logger  *zap.Logger

	refreshMu sync.Mutex
}

func NewClient(baseURL string, tokens TokenStore, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		tokens:  tokens,
		logger:  logger,
	}
}

// UserDetails is the profile of the logged-in user.
type UserDetails struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
}

// UserDetails resolves who the stored token belongs to. The daemon
// calls it at startup to learn the user ID for the socket handshake.
func (c *Client) UserDetails(ctx context.Context) (UserDetails, error) {
	var out UserDetails
	err := c.do(ctx, http.MethodGet, "/api/user-details", nil, nil, &out)
	return out, err
}

// Vehicles returns the travelers currently searching the given place
// topic. This is the authoritative snapshot the poller reconciles
// against.
func (c *Client) Vehicles(ctx context.Context, place string) ([]wire.Vehicle, error) {
	query := url.Values{"start": {place}}
	var out []wire.Vehicle
	if err := c.do(ctx, http.MethodGet, "/api/vehicles", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatMessage is one entry of a conversation's server-side history.
type ChatMessage struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// ChatHistory fetches the stored conversation with a peer.
func (c *Client) ChatHistory(ctx context.Context, peerID int64) ([]ChatMessage, error) {
	var out []ChatMessage
	path := fmt.Sprintf("/api/messages/%d", peerID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PersistMessage stores an outbound chat message server-side. Realtime
// delivery goes over the socket; this call backs the history endpoint.
func (c *Client) PersistMessage(ctx context.Context, recipientID int64, content string) error {
	body := map[string]any{"recipient_id": recipientID, "content": content}
	return c.do(ctx, http.MethodPost, "/api/send-message-by-id", nil, body, nil)
}

// Location is a latitude/longitude pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// UserLocation returns our own last reported position.
func (c *Client) UserLocation(ctx context.Context) (Location, error) {
	var out Location
	err := c.do(ctx, http.MethodGet, "/api/userloc", nil, nil, &out)
	return out, err
}

// UpdateLocation reports our current position.
func (c *Client) UpdateLocation(ctx context.Context, lat, long float64) error {
	body := map[string]any{"lat": lat, "long": long}
	return c.do(ctx, http.MethodPost, "/api/updateloc", nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if token == "" {
		return ErrAuthRequired
	}

	resp, err := c.request(ctx, method, path, query, body, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		token, err = c.refresh(ctx)
		if err != nil {
			return err
		}
		resp, err = c.request(ctx, method, path, query, body, token)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Path: path}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, token string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// refresh rotates the token pair. Serialized so concurrent 403s do not
// race each other with a stale refresh token.
func (c *Client) refresh(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	refresh, err := c.tokens.RefreshToken()
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	if refresh == "" {
		return "", ErrNoRefreshToken
	}

	data, err := json.Marshal(map[string]string{"refreshToken": refresh})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/refresh-token", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Path: "/api/refresh-token"}
	}

	var rotated struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if err := c.tokens.SetTokens(rotated.Token, rotated.RefreshToken); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}

	c.logger.Info("rotated auth token")
	return rotated.Token, nil
}
