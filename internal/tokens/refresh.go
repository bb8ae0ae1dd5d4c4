package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrTokenRefreshFailed is returned when the provider rejects the refresh
// grant. The operator must re-authenticate.
var ErrTokenRefreshFailed = errors.New("token refresh failed")

// DefaultTokenURL is the OAuth2 refresh-token grant endpoint. The same URL
// serves sandbox and production realms.
const DefaultTokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"

const (
	refreshRetries     = 3
	refreshBackoffBase = 500 * time.Millisecond
)

// Manager wraps a Store with refresh-grant logic. Concurrent Refresh calls
// for the same key coalesce into one network call.
type Manager struct {
	store    *Store
	client   *http.Client
	tokenURL string

	clientID     string
	clientSecret string

	group singleflight.Group
}

// NewManager creates a refresh manager reading QBO_CLIENT_ID and
// QBO_CLIENT_SECRET from the environment.
func NewManager(store *Store) (*Manager, error) {
	clientID := os.Getenv("QBO_CLIENT_ID")
	if clientID == "" {
		return nil, fmt.Errorf("QBO_CLIENT_ID environment variable is not set")
	}
	clientSecret := os.Getenv("QBO_CLIENT_SECRET")
	if clientSecret == "" {
		return nil, fmt.Errorf("QBO_CLIENT_SECRET environment variable is not set")
	}

	return &Manager{
		store:        store,
		client:       &http.Client{Timeout: 30 * time.Second},
		tokenURL:     DefaultTokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}, nil
}

// NewManagerWith creates a manager with explicit credentials, endpoint, and
// HTTP client.
func NewManagerWith(store *Store, clientID, clientSecret, tokenURL string, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		store:        store,
		client:       client,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// AccessToken returns a valid access token for (companyKey, realmID),
// refreshing first when the stored one is expired or near expiry.
func (m *Manager) AccessToken(ctx context.Context, companyKey, realmID string) (string, error) {
	rec, err := m.store.Load(ctx, companyKey, realmID)
	if err != nil {
		return "", err
	}
	if rec.Valid(time.Now()) {
		return rec.AccessToken, nil
	}

	rec, err = m.Refresh(ctx, companyKey, realmID)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// Refresh performs the refresh-token grant and persists the result.
// Concurrent calls for the same key share a single network refresh.
func (m *Manager) Refresh(ctx context.Context, companyKey, realmID string) (TokenRecord, error) {
	v, err, _ := m.group.Do(companyKey+"|"+realmID, func() (interface{}, error) {
		return m.refreshOnce(ctx, companyKey, realmID)
	})
	if err != nil {
		return TokenRecord{}, err
	}
	return v.(TokenRecord), nil
}

func (m *Manager) refreshOnce(ctx context.Context, companyKey, realmID string) (TokenRecord, error) {
	rec, err := m.store.Load(ctx, companyKey, realmID)
	if err != nil {
		return TokenRecord{}, err
	}
	if rec.RefreshToken == "" {
		return TokenRecord{}, fmt.Errorf("%w: no refresh token stored for %s, re-authenticate via OAuth flow", ErrTokenRefreshFailed, companyKey)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rec.RefreshToken},
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return TokenRecord{}, fmt.Errorf("failed to build refresh request: %w", err)
		}
		req.SetBasicAuth(m.clientID, m.clientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err = m.client.Do(req)
		if err == nil {
			break
		}
		if attempt >= refreshRetries || ctx.Err() != nil {
			return TokenRecord{}, fmt.Errorf("token endpoint unreachable after %d attempts: %w", attempt+1, err)
		}
		sleepBackoff(ctx, attempt)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(body))
		switch {
		case resp.StatusCode == http.StatusUnauthorized && strings.Contains(detail, "invalid_client"):
			return TokenRecord{}, fmt.Errorf("%w: invalid client credentials (401 invalid_client), check QBO_CLIENT_ID and QBO_CLIENT_SECRET", ErrTokenRefreshFailed)
		case resp.StatusCode == http.StatusBadRequest && strings.Contains(detail, "invalid_grant"):
			return TokenRecord{}, fmt.Errorf("%w: refresh token invalid or expired (400 invalid_grant), re-authenticate %s", ErrTokenRefreshFailed, companyKey)
		default:
			return TokenRecord{}, fmt.Errorf("%w: HTTP %d %s", ErrTokenRefreshFailed, resp.StatusCode, detail)
		}
	}

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return TokenRecord{}, fmt.Errorf("%w: malformed token response: %v", ErrTokenRefreshFailed, err)
	}
	if grant.AccessToken == "" {
		return TokenRecord{}, fmt.Errorf("%w: token response missing access_token", ErrTokenRefreshFailed)
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = rec.RefreshToken
	}
	if grant.ExpiresIn == 0 {
		grant.ExpiresIn = 3600
	}

	rec.AccessToken = grant.AccessToken
	rec.RefreshToken = grant.RefreshToken
	rec.AccessExpiresAt = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)

	if err := m.store.Save(ctx, rec); err != nil {
		return TokenRecord{}, err
	}
	return rec, nil
}

// sleepBackoff waits 500ms * 2^attempt with +-20% jitter, or until ctx ends.
func sleepBackoff(ctx context.Context, attempt int) {
	d := refreshBackoffBase << attempt
	jitter := time.Duration(rand.Int63n(int64(d)/5*2)) - time.Duration(int64(d)/5)
	select {
	case <-time.After(d + jitter):
	case <-ctx.Done():
	}
}
