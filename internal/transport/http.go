// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package transport provides the HTTP-backed Transport implementation
// consumed by both the sliding-sync engine and the key-request manager.
// Sliding-sync's own long-poll semantics rule out a socket-based
// transport (gorilla/websocket, as dendrite pulls in for federation and
// the legacy /sync notifier): MSC3575/MSC4186 proxies are plain
// long-polled HTTP, so net/http with a per-request context deadline is
// the correct and sufficient tool here.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-client-core/internal"
	"github.com/element-hq/matrix-client-core/keyrequest"
	"github.com/element-hq/matrix-client-core/slidingsync"
)

// Client is a net/http-backed implementation of both
// slidingsync.Transport and keyrequest.Transport.
type Client struct {
	HTTP          *http.Client
	AccessToken   string
	HomeserverURL string
	Log           *logrus.Entry
}

// New constructs a Client with sane defaults (a non-zero HTTP client
// timeout is deliberately NOT set here: sliding-sync long-polls rely on
// the caller-supplied context deadline instead, per SPEC_FULL.md §5).
func New(homeserverURL, accessToken string) *Client {
	return &Client{
		HTTP:          &http.Client{},
		AccessToken:   accessToken,
		HomeserverURL: homeserverURL,
		Log:           logrus.NewEntry(logrus.StandardLogger()),
	}
}

// NewWithNetworkPolicy is like New but confines the underlying dialer
// to allowNetworks/denyNetworks CIDR ranges, for deployments where
// proxy_base_url/homeserver_url may resolve to an address an operator
// wants to exclude.
func NewWithNetworkPolicy(homeserverURL, accessToken string, allowNetworks, denyNetworks []string, dialTimeout time.Duration) *Client {
	dialer := internal.GetDialer(allowNetworks, denyNetworks, dialTimeout)
	return &Client{
		HTTP: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		AccessToken:   accessToken,
		HomeserverURL: homeserverURL,
		Log:           logrus.NewEntry(logrus.StandardLogger()),
	}
}

// SlidingSync implements slidingsync.Transport.
func (c *Client) SlidingSync(ctx context.Context, body slidingsync.RequestBody, proxyBaseURL string) (*slidingsync.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(body.ClientTimeout)*time.Millisecond)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &slidingsync.TransportError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyBaseURL+"/_matrix/client/v3/sync", bytes.NewReader(payload))
	if err != nil {
		return nil, &slidingsync.TransportError{Err: err}
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// context.Canceled means a caller aborted us (Resend/Stop);
		// context.DeadlineExceeded means body.ClientTimeout elapsed,
		// which is a network error, not a self-caused abort.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, &slidingsync.TransportError{Aborted: true, Err: ctx.Err()}
		}
		if ctx.Err() != nil {
			return nil, &slidingsync.TransportError{Err: ctx.Err()}
		}
		return nil, &slidingsync.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, &slidingsync.TransportError{HTTPStatus: resp.StatusCode, Err: fmt.Errorf("sliding sync returned HTTP %d", resp.StatusCode)}
	}

	var out slidingsync.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &slidingsync.TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

// SendToDevice implements keyrequest.Transport. It fans the message out
// to every (userID, deviceID) in contentMap as a single to-device
// transaction, matching the Matrix C-S API's
// PUT /sendToDevice/{eventType}/{txnId} shape.
func (c *Client) SendToDevice(ctx context.Context, eventType string, contentMap map[string]map[string]json.RawMessage, txnID string) error {
	body, err := json.Marshal(struct {
		Messages map[string]map[string]json.RawMessage `json:"messages"`
	}{Messages: contentMap})
	if err != nil {
		return &keyrequest.TransportError{Err: err}
	}

	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s", url.PathEscape(eventType), url.PathEscape(txnID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.HomeserverURL+path, bytes.NewReader(body))
	if err != nil {
		return &keyrequest.TransportError{Err: err}
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return &keyrequest.TransportError{Aborted: true, Err: ctx.Err()}
		}
		if ctx.Err() != nil {
			return &keyrequest.TransportError{Err: ctx.Err()}
		}
		return &keyrequest.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &keyrequest.TransportError{HTTPStatus: resp.StatusCode, Err: fmt.Errorf("sendToDevice returned HTTP %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
}
