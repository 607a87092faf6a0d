package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rsclarke/vpnstate/internal/api"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ListServers(ctx context.Context) (*api.ListServersResponse, error) {
	var result api.ListServersResponse
	if err := c.get(ctx, "/v1/servers", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ServerSessions lists the sessions of one server. With all set, closed
// sessions are included.
func (c *Client) ServerSessions(ctx context.Context, serverID int64, all bool) (*api.ListSessionsResponse, error) {
	path := "/v1/servers/" + strconv.FormatInt(serverID, 10) + "/sessions"
	if all {
		path += "?all=1"
	}
	var result api.ListSessionsResponse
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ActiveSessions(ctx context.Context) (*api.ListSessionsResponse, error) {
	var result api.ListSessionsResponse
	if err := c.get(ctx, "/v1/sessions", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("%s", errResp.Error)
}
