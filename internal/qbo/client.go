// Package qbo is the client for the remote accounting REST API: a SQL-ish
// query endpoint plus entity create/update endpoints. All requests carry a
// bearer token; a 401 response triggers one token refresh and one retry.
package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the production API host.
	DefaultBaseURL = "https://quickbooks.api.intuit.com"

	minorVersion  = "70"
	queryPageSize = 1000

	// docNumberBatchSize bounds in-clause queries so URLs stay under the
	// remote's length limit.
	docNumberBatchSize = 50
)

// TokenSource supplies bearer tokens for one (tenant, realm) pair.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client talks to one realm of the remote accounting service.
type Client struct {
	baseURL string
	realmID string
	http    *http.Client
	tokens  TokenSource

	deptMu    sync.Mutex
	deptCache map[string]string
}

// NewClient returns a production client for realmID.
func NewClient(realmID string, tokens TokenSource) *Client {
	return NewClientWith(DefaultBaseURL, realmID, tokens, &http.Client{Timeout: 60 * time.Second})
}

// NewClientWith wires explicit endpoints and transport, used by tests.
func NewClientWith(baseURL, realmID string, tokens TokenSource, httpClient *http.Client) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		realmID:   realmID,
		http:      httpClient,
		tokens:    tokens,
		deptCache: make(map[string]string),
	}
}

// RealmID returns the realm this client is bound to.
func (c *Client) RealmID() string { return c.realmID }

type fault struct {
	Error []struct {
		Message string `json:"Message"`
		Detail  string `json:"Detail"`
		Code    string `json:"code"`
	} `json:"Error"`
	Type string `json:"type"`
}

type faultEnvelope struct {
	Fault *fault `json:"Fault"`
	// Some responses use a lowercase key.
	FaultLower *fault `json:"fault"`
}

func (f faultEnvelope) fault() *fault {
	if f.Fault != nil {
		return f.Fault
	}
	return f.FaultLower
}

// do issues one authenticated request, refreshing the token and retrying
// once on 401. A second 401 is fatal. Non-2xx responses are returned as
// classified errors; docNumber is used only for fault classification.
func (c *Client) do(ctx context.Context, method, rawURL string, body, out any, docNumber string) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return &ErrToken{Err: err}
	}

	resp, err := c.send(ctx, method, rawURL, body, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return &ErrToken{Err: err}
		}
		resp, err = c.send(ctx, method, rawURL, body, token)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return &ErrToken{Err: fmt.Errorf("still unauthorized after token refresh")}
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ErrNetwork{Op: method + " " + rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env faultEnvelope
		faultType, code, message := "", "", strings.TrimSpace(string(data))
		if len(message) > 500 {
			message = message[:500]
		}
		if err := json.Unmarshal(data, &env); err == nil {
			if f := env.fault(); f != nil && len(f.Error) > 0 {
				faultType = f.Type
				code = f.Error[0].Code
				message = f.Error[0].Message
				if f.Error[0].Detail != "" {
					message += ": " + f.Error[0].Detail
				}
			}
		}
		return classifyFault(resp.StatusCode, faultType, code, message, docNumber)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, rawURL string, body any, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ErrNetwork{Op: method + " " + rawURL, Err: err}
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// query runs one statement against the query endpoint.
func (c *Client) query(ctx context.Context, statement string, out any) error {
	u := fmt.Sprintf("%s/v3/company/%s/query?query=%s&minorversion=%s",
		c.baseURL, c.realmID, url.QueryEscape(statement), minorVersion)
	return c.do(ctx, http.MethodGet, u, nil, out, "")
}

func (c *Client) entityURL(entity string) string {
	return fmt.Sprintf("%s/v3/company/%s/%s?minorversion=%s", c.baseURL, c.realmID, entity, minorVersion)
}

// escapeQueryString doubles single quotes for safe embedding in the
// SQL-ish query language.
func escapeQueryString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
