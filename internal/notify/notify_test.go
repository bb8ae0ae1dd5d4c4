package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureWebhook(t *testing.T) (*Notifier, *[]string) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body["text"])
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL), &got
}

func TestSucceededMessage(t *testing.T) {
	n, got := captureWebhook(t)

	n.Succeeded(context.Background(), Summary{
		Company:         "Demo Stores",
		TargetDate:      "2025-12-27",
		RowsKept:        120,
		RowsSpilled:     3,
		Attempted:       14,
		Created:         12,
		SkippedDup:      2,
		Failed:          0,
		ReconcileStatus: "MATCH",
		Warnings:        []string{"stale ledger entry healed"},
	})

	require.Len(t, *got, 1)
	text := (*got)[0]
	assert.Contains(t, text, "Pipeline completed for *Demo Stores*")
	assert.Contains(t, text, "Target Date: 2025-12-27")
	assert.Contains(t, text, "120 kept, 3 spilled")
	assert.Contains(t, text, "14 attempted, 12 created, 2 skipped, 0 failed")
	assert.Contains(t, text, "Reconcile: MATCH")
	assert.Contains(t, text, "Warning: stale ledger entry healed")
}

func TestFailedMessageIncludesReason(t *testing.T) {
	n, got := captureWebhook(t)

	n.Failed(context.Background(), "Demo Stores", "2025-12-27", "/var/log/oiat/run.log",
		errors.New("download: connection refused"))

	require.Len(t, *got, 1)
	assert.Contains(t, (*got)[0], "Pipeline failed for *Demo Stores*")
	assert.Contains(t, (*got)[0], "network error:")
	assert.Contains(t, (*got)[0], "Log: /var/log/oiat/run.log")
}

func TestEmptyWebhookIsNoOp(t *testing.T) {
	n := New("")
	// Must not panic or attempt delivery.
	n.Started(context.Background(), "Demo", "2025-12-27", "")
	n.Failed(context.Background(), "Demo", "2025-12-27", "", errors.New("boom"))
}

func TestReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("qbo: invalid_grant on refresh"), "QuickBooks token expired or revoked, re-authorization required"},
		{errors.New("token store locked"), "authentication token error: token store locked"},
		{errors.New("open staging/x.csv: no such file or directory"), "expected file missing: open staging/x.csv: no such file or directory"},
		{errors.New("remote returned 401"), "remote rejected credentials (401)"},
		{errors.New("remote returned 403 Forbidden"), "remote denied access (403)"},
		{errors.New("HTTP 429 Too Many Requests"), "remote rate limit hit (429)"},
		{errors.New("context deadline exceeded"), "operation timed out: context deadline exceeded"},
		{errors.New("dial tcp: connection refused"), "network error: dial tcp: connection refused"},
		{errors.New("\n\n  something odd happened  \n"), "something odd happened"},
		{nil, "unknown error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Reason(tc.err))
	}
}

func TestReasonCapsLongMessages(t *testing.T) {
	long := strings.Repeat("x", 400)
	got := Reason(errors.New(long))
	assert.Len(t, got, maxReasonLen+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}
