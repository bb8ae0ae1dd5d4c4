// Package notify posts pipeline lifecycle messages to a Slack incoming
// webhook. A notifier with no webhook URL is a logged no-op, so callers
// never need to branch on whether notifications are configured.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers messages to one Slack webhook. Delivery failures are
// logged and swallowed: a broken webhook must never fail a pipeline run.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New builds a notifier for webhookURL. An empty URL disables delivery.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Summary carries the fields the lifecycle messages render.
type Summary struct {
	Company    string
	TargetDate string
	LogPath    string

	RowsKept    int
	RowsSpilled int

	Attempted  int
	Created    int
	SkippedDup int
	Failed     int

	ReconcileStatus string
	Warnings        []string
}

// Started announces a run beginning for the company and date scope.
func (n *Notifier) Started(ctx context.Context, company, dateScope, logPath string) {
	var b strings.Builder
	fmt.Fprintf(&b, ":arrow_forward: Pipeline started for *%s*\n", company)
	fmt.Fprintf(&b, "• Time: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "• Target Date: %s\n", dateScope)
	if logPath != "" {
		fmt.Fprintf(&b, "• Log: %s\n", logPath)
	}
	n.post(ctx, b.String())
}

// Succeeded reports a completed run with its upload and reconcile outcome.
func (n *Notifier) Succeeded(ctx context.Context, s Summary) {
	var b strings.Builder
	fmt.Fprintf(&b, ":white_check_mark: Pipeline completed for *%s*\n", s.Company)
	fmt.Fprintf(&b, "• Time: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "• Target Date: %s\n", s.TargetDate)
	fmt.Fprintf(&b, "• Rows: %d kept, %d spilled\n", s.RowsKept, s.RowsSpilled)
	fmt.Fprintf(&b, "• Upload: %d attempted, %d created, %d skipped, %d failed\n",
		s.Attempted, s.Created, s.SkippedDup, s.Failed)
	if s.ReconcileStatus != "" {
		fmt.Fprintf(&b, "• Reconcile: %s\n", s.ReconcileStatus)
	}
	if s.LogPath != "" {
		fmt.Fprintf(&b, "• Log: %s\n", s.LogPath)
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "• Warning: %s\n", w)
	}
	n.post(ctx, b.String())
}

// Failed reports an aborted run with a condensed reason.
func (n *Notifier) Failed(ctx context.Context, company, dateScope, logPath string, err error) {
	var b strings.Builder
	fmt.Fprintf(&b, ":x: Pipeline failed for *%s*\n", company)
	fmt.Fprintf(&b, "• Time: %s\n", time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "• Target Date: %s\n", dateScope)
	fmt.Fprintf(&b, "• Reason: %s\n", Reason(err))
	if logPath != "" {
		fmt.Fprintf(&b, "• Log: %s\n", logPath)
	}
	n.post(ctx, b.String())
}

// post delivers one message. Errors are logged, never returned.
func (n *Notifier) post(ctx context.Context, text string) {
	if n.webhookURL == "" {
		log.Printf("[notify] webhook not configured, skipping: %.60s", text)
		return
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		log.Printf("[notify] failed to encode message: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("[notify] failed to build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[notify] webhook delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[notify] webhook returned %d", resp.StatusCode)
	}
}

// maxReasonLen caps the generic reason line.
const maxReasonLen = 150

// Reason condenses err into a short operator-facing line. Known failure
// families get a fixed phrasing; everything else keeps the first
// meaningful line of the error text, capped.
func Reason(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "refresh token"), strings.Contains(lower, "invalid_grant"):
		return "QuickBooks token expired or revoked, re-authorization required"
	case strings.Contains(lower, "token"):
		return "authentication token error: " + firstLine(msg)
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "file not found"):
		return "expected file missing: " + firstLine(msg)
	case strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"):
		return "remote rejected credentials (401)"
	case strings.Contains(lower, "403"), strings.Contains(lower, "forbidden"):
		return "remote denied access (403)"
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"):
		return "remote rate limit hit (429)"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return "operation timed out: " + firstLine(msg)
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"):
		return "network error: " + firstLine(msg)
	}
	return firstLine(msg)
}

func firstLine(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > maxReasonLen {
				return line[:maxReasonLen] + "..."
			}
			return line
		}
	}
	return "unknown error"
}
