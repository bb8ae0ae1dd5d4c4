package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oreva/oiat/internal/tokens"
)

const (
	authorizeURL = "https://appcenter.intuit.com/connect/oauth2"
	oauthScope   = "com.intuit.quickbooks.accounting"
)

var authCommand = &cobra.Command{
	Use:   "auth",
	Short: "Authorize a company against QuickBooks Online",
	Long: `Starts a one-shot local callback server, prints the QuickBooks
authorization URL to open in a browser, and stores the resulting refresh
token. Run this once per company, and again whenever a refresh token is
revoked or expires.`,
	RunE: runAuth,
}

var (
	authTenant      string
	authPort        int
	authEnvironment string
)

func init() {
	authCommand.Flags().StringVar(&authTenant, "tenant", "", "Company key to authorize (required)")
	authCommand.Flags().IntVar(&authPort, "port", 8910, "Local callback port; must match the app's redirect URI")
	authCommand.Flags().StringVar(&authEnvironment, "environment", "production", "Token environment label (production or sandbox)")
	rootCmd.AddCommand(authCommand)
}

func runAuth(cmd *cobra.Command, args []string) error {
	if authTenant == "" {
		return exitWith(exitLocked, fmt.Errorf("--tenant is required"))
	}
	cfg, err := loadTenantConfig(authTenant)
	if err != nil {
		return err
	}
	clientID := os.Getenv("QBO_CLIENT_ID")
	clientSecret := os.Getenv("QBO_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return fmt.Errorf("QBO_CLIENT_ID and QBO_CLIENT_SECRET environment variables are required")
	}

	stateBuf := make([]byte, 16)
	if _, err := rand.Read(stateBuf); err != nil {
		return err
	}
	state := hex.EncodeToString(stateBuf)
	redirectURI := fmt.Sprintf("http://localhost:%d/callback", authPort)

	query := url.Values{
		"client_id":     {clientID},
		"response_type": {"code"},
		"scope":         {oauthScope},
		"redirect_uri":  {redirectURI},
		"state":         {state},
	}
	fmt.Printf("Open this URL in a browser and authorize %s:\n\n  %s?%s\n\n",
		cfg.DisplayName, authorizeURL, query.Encode())
	fmt.Printf("Waiting for the callback on %s ...\n", redirectURI)

	code, realmID, err := waitForCallback(authPort, state)
	if err != nil {
		return err
	}
	if realmID != cfg.QBO.RealmID {
		return fmt.Errorf("authorized realm %s does not match configured realm %s for %s; you may have picked the wrong company in the consent screen",
			realmID, cfg.QBO.RealmID, authTenant)
	}

	grant, err := exchangeCode(clientID, clientSecret, code, redirectURI)
	if err != nil {
		return err
	}

	store, err := tokens.Open(tokensDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.StoreFromOAuth(context.Background(), authTenant, realmID,
		grant.AccessToken, grant.RefreshToken, grant.ExpiresIn, authEnvironment)
	if err != nil {
		return err
	}
	fmt.Printf("Stored tokens for %s (realm %s). Runs can now upload.\n", authTenant, realmID)
	return nil
}

// waitForCallback serves exactly one OAuth redirect and returns its code
// and realm.
func waitForCallback(port int, expectedState string) (code, realmID string, err error) {
	type result struct {
		code    string
		realmID string
		err     error
	}
	done := make(chan result, 1)

	mux := http.NewServeMux()
	srv := &http.Server{Addr: fmt.Sprintf("localhost:%d", port), Handler: mux}

	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			done <- result{err: fmt.Errorf("OAuth state mismatch")}
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "authorization denied", http.StatusBadRequest)
			done <- result{err: fmt.Errorf("authorization denied: %s", e)}
			return
		}
		fmt.Fprintln(w, "Authorization received. You can close this tab.")
		done <- result{code: q.Get("code"), realmID: q.Get("realmId")}
	})

	go srv.ListenAndServe()
	defer srv.Close()

	select {
	case res := <-done:
		return res.code, res.realmID, res.err
	case <-time.After(10 * time.Minute):
		return "", "", fmt.Errorf("timed out waiting for OAuth callback")
	}
}

type oauthGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func exchangeCode(clientID, clientSecret, code, redirectURI string) (*oauthGrant, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	req, err := http.NewRequest(http.MethodPost, tokens.DefaultTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(clientID, clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("code exchange failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var grant oauthGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &grant, nil
}
