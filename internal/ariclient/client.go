// Package ariclient is a thin request/response facade over Asterisk's REST
// Interface (ARI): originate a channel, create/destroy a bridge, add a
// channel to a bridge, hang up a channel. It owns one long-lived pooled
// HTTP connection with Basic authentication.
package ariclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flowpbx/ari-worker/internal/arierr"
)

// Config configures a Client.
type Config struct {
	BaseURL         string // e.g. "http://asterisk:8088/ari"
	ApplicationName string
	User            string
	Password        string
	Timeout         time.Duration // per-request timeout, default 10s
}

// Client issues authenticated HTTP calls to the telephony engine's REST
// surface. It must be started with Start before use and closed with Close
// when the worker shuts down.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs a Client. Call Start before issuing any requests.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg}
}

// Start establishes the pooled HTTP connection. Safe to call once; a
// second call is a no-op.
func (c *Client) Start() error {
	if c.httpClient != nil {
		return nil
	}
	c.httpClient = &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return nil
}

// Close releases the pooled HTTP connection's idle resources.
func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// Originate issues POST /channels to place an outbound leg on endpoint
// (e.g. "PJSIP/1001") running the Stasis application with appArgs (e.g.
// "callee,1001"). Returns the new channel's id.
func (c *Client) Originate(ctx context.Context, endpoint, appArgs, callerID string, timeoutSec int) (string, error) {
	params := url.Values{
		"endpoint": {endpoint},
		"appArgs":  {appArgs},
		"callerId": {callerID},
		"timeout":  {strconv.Itoa(timeoutSec)},
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "POST", "/channels", params, &body); err != nil {
		return "", fmt.Errorf("originate %s: %w", endpoint, err)
	}
	if body.ID == "" {
		return "", &arierr.ErrProtocol{Op: "originate", Msg: "response missing channel id"}
	}
	return body.ID, nil
}

// CreateBridge issues POST /bridges and returns the new bridge's id.
func (c *Client) CreateBridge(ctx context.Context, name, bridgeType string) (string, error) {
	params := url.Values{
		"type": {bridgeType},
		"name": {name},
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "POST", "/bridges", params, &body); err != nil {
		return "", fmt.Errorf("create_bridge %s: %w", name, err)
	}
	if body.ID == "" {
		return "", &arierr.ErrProtocol{Op: "create_bridge", Msg: "response missing bridge id"}
	}
	return body.ID, nil
}

// AddChannelToBridge issues POST /bridges/{bridgeID}/addChannel.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	params := url.Values{"channel": {channelID}}
	path := fmt.Sprintf("/bridges/%s/addChannel", url.PathEscape(bridgeID))
	if err := c.do(ctx, "POST", path, params, nil); err != nil {
		return fmt.Errorf("add_channel_to_bridge %s/%s: %w", bridgeID, channelID, err)
	}
	return nil
}

// HangupChannel issues DELETE /channels/{channelID}. A 404 (channel
// already gone) is tolerated and returns nil.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	path := fmt.Sprintf("/channels/%s", url.PathEscape(channelID))
	err := c.do(ctx, "DELETE", path, nil, nil)
	if err != nil && arierr.NotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hangup_channel %s: %w", channelID, err)
	}
	return nil
}

// DestroyBridge issues DELETE /bridges/{bridgeID}. A 404 (bridge already
// gone) is tolerated and returns nil.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	path := fmt.Sprintf("/bridges/%s", url.PathEscape(bridgeID))
	err := c.do(ctx, "DELETE", path, nil, nil)
	if err != nil && arierr.NotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("destroy_bridge %s: %w", bridgeID, err)
	}
	return nil
}

// do issues an HTTP request against the ARI base URL, always adding
// app=<application name>, and decodes a JSON response into out (unless out
// is nil). Non-2xx responses that are not 404 become *arierr.StatusError;
// 404s become *arierr.StatusError too, so callers that tolerate it can
// check arierr.NotFound, while callers that don't simply propagate it.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.httpClient == nil {
		return fmt.Errorf("ari client not started")
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("app", c.cfg.ApplicationName)

	reqURL := c.cfg.BaseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &arierr.StatusError{Op: method + " " + path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
