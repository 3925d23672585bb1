// Package notify posts provisioning results to a webhook. Delivery is
// best effort: a failed post is logged and surfaced as a soft warning,
// never an error, because it does not affect persisted state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	requestTimeout    = 10 * time.Second
	maxErrorBodyBytes = 512
)

// Event is the payload delivered to the webhook.
type Event struct {
	PrincipalID uint64    `json:"principal_id"`
	DisplayName string    `json:"display_name,omitempty"`
	TargetName  string    `json:"target_name"`
	Requested   int       `json:"requested"`
	Created     []string  `json:"created"`
	At          time.Time `json:"at"`
}

// Notifier posts events to one configured webhook URL.
type Notifier struct {
	url    string
	client *http.Client
}

// New builds a Notifier. An empty URL yields a disabled notifier whose
// Deliver is a no-op reporting success.
func New(url string) *Notifier {
	return &Notifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Deliver posts the event. It returns false when delivery failed; the
// failure has already been logged and must not fail the caller's
// operation.
func (n *Notifier) Deliver(ctx context.Context, event Event) bool {
	if !n.Enabled() {
		return true
	}

	body, errMarshal := json.Marshal(event)
	if errMarshal != nil {
		log.Warnf("notify: marshal event: %v", errMarshal)
		return false
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if errReq != nil {
		log.Warnf("notify: build request: %v", errReq)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := n.client.Do(req)
	if errDo != nil {
		log.Warnf("notify: post webhook: %v", errDo)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		log.Warnf("notify: webhook status=%d body=%s", resp.StatusCode, summarize(snippet))
		return false
	}
	return true
}

func summarize(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "<empty>"
	}
	return fmt.Sprintf("%q", trimmed)
}
