// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Package enroll performs the HTTP exchanges that give a device its trust
// material: fetching the public fiche (root certificate and relay list) and
// requesting or renewing the device certificate.
package enroll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/dispatch"
	"github.com/aumos-ai/device-trust-core/envelope"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/types"
)

// Fiche is the relay's public document.
type Fiche struct {
	IDMG string `json:"idmg"`
	// CA is the root certificate, PEM.
	CA     string   `json:"ca"`
	Relais []string `json:"relais"`
}

// Request is the signed enrollment or renewal body.
type Request struct {
	UUIDAppareil string `json:"uuid_appareil"`
	UserID       string `json:"user_id,omitempty"`
	CSR          string `json:"csr"`
}

// Response is a granted certificate.
type Response struct {
	// Certificat is the PEM chain, leaf first.
	Certificat []string `json:"certificat"`
	// Challenge, when present, is shown on the device for physical confirmation.
	Challenge []int `json:"challenge,omitempty"`
}

// Options configures a Client.
type Options struct {
	// HTTPClient defaults to a client with a 20s timeout.
	HTTPClient *http.Client
	// MaxResponseBytes caps a response body (default 256 KiB).
	MaxResponseBytes int64
	Logger           *zap.Logger
}

// Client talks to the relay's HTTP endpoints.
type Client struct {
	http     *http.Client
	maxBytes int64
	log      *zap.Logger
}

// NewClient constructs a Client with the provided options.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 256 << 10
	}
	return &Client{http: client, maxBytes: maxBytes, log: logger.Or(opts.Logger, "enroll")}
}

// FetchFiche GETs the public fiche at url.
func (c *Client) FetchFiche(ctx context.Context, url string) (*Fiche, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("enroll: build fiche request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("enroll: fiche: HTTP %d from %s", status, url)
	}
	var f Fiche
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("enroll: parse fiche: %w", err)
	}
	if f.IDMG == "" || f.CA == "" {
		return nil, fmt.Errorf("enroll: fiche from %s lacks idmg or ca", url)
	}
	return &f, nil
}

// Enroll posts a first-time certificate request signed with the bare pending key.
func (c *Client) Enroll(ctx context.Context, url string, r Request, signer envelope.Signer) (*Response, error) {
	return c.post(ctx, url, dispatch.ActionEnroll.String(), r, signer, false)
}

// Renew posts a renewal request signed by the current identity with its
// chain attached.
func (c *Client) Renew(ctx context.Context, url string, r Request, signer envelope.Signer) (*Response, error) {
	return c.post(ctx, url, dispatch.ActionRenewCertificate.String(), r, signer, true)
}

func (c *Client) post(ctx context.Context, url, action string, r Request, signer envelope.Signer, attach bool) (*Response, error) {
	env, err := envelope.Seal(r, envelope.Fields{Action: action}, signer, attach)
	if err != nil {
		return nil, fmt.Errorf("enroll: seal %s: %w", action, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("enroll: encode %s: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("enroll: build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return c.parseGrant(action, status, body)
}

// parseGrant treats 200 with a certificate as the only success. 202 means
// the relay forwarded the request and the grant is still pending.
func (c *Client) parseGrant(action string, status int, body []byte) (*Response, error) {
	switch status {
	case http.StatusOK:
	case http.StatusAccepted:
		c.log.Info("enrollment forwarded, grant pending", logger.Action(action))
		return nil, &types.ErrEnrollmentPending{Status: status}
	default:
		return nil, fmt.Errorf("enroll: %s: HTTP %d", action, status)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("enroll: parse %s response: %w", action, err)
	}
	if len(resp.Certificat) == 0 {
		return nil, &types.ErrEnrollmentPending{Status: status}
	}
	return &resp, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("enroll: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("enroll: read body: %w", err)
	}
	return resp.StatusCode, body, nil
}
