package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client queries one tracker's register/list endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a tracker client against baseURL. An empty token sends
// no auth header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Register announces addrs for peerID with optional meta, returning the TTL
// the tracker reports.
func (c *Client) Register(peerID string, addrs []string, meta map[string]string) (int, error) {
	payload, err := json.Marshal(registerRequest{PeerID: peerID, Addrs: addrs, Meta: meta})
	if err != nil {
		return 0, fmt.Errorf("marshal register request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/peers/register", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("register with %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return 0, err
	}
	var body registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode register response: %w", err)
	}
	return body.TTLSec, nil
}

// List returns every live record, optionally filtered by user ID.
func (c *Client) List(userFilter string) ([]Record, error) {
	url := c.baseURL + "/api/v1/peers"
	if userFilter != "" {
		url += "?user_id=" + userFilter
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list from %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp); err != nil {
		return nil, err
	}
	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return body.Peers, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// ErrUnauthorized is returned when the tracker rejects the request's token.
type ErrUnauthorized struct{ BaseURL string }

func (e *ErrUnauthorized) Error() string { return fmt.Sprintf("tracker %s: unauthorized", e.BaseURL) }

func statusErr(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return &ErrUnauthorized{}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
