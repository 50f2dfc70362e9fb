// Package webhook delivers job lifecycle notifications (job_complete,
// job_error) to a caller-supplied URL, HMAC-signed with the
// svix-id/svix-timestamp/svix-signature scheme, so a receiver can use
// svix's own Verify helper
// against deliveries from this package.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// Deliverer sends signed webhook notifications; each Deliver call makes
// a single attempt.
type Deliverer struct {
	secret     string
	httpClient *http.Client
}

// New constructs a Deliverer. An empty secret disables signing (dev-mode).
func New(secret string) *Deliverer {
	return &Deliverer{
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Deliver POSTs eventType/data to url, signed if a secret is configured.
// Failures are non-fatal to the job: callers log and move on, since
// webhook delivery is an additive notification channel alongside the
// in-process subscription stream.
func (d *Deliverer) Deliver(ctx context.Context, url, eventType string, data any) error {
	body, err := json.Marshal(envelope{Type: eventType, Data: data})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if d.secret != "" {
		msgID := "msg_" + ulid.Make().String()
		timestamp := time.Now().UTC().Unix()
		sig := d.sign(msgID, timestamp, body)
		req.Header.Set("svix-id", msgID)
		req.Header.Set("svix-timestamp", fmt.Sprintf("%d", timestamp))
		req.Header.Set("svix-signature", sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindStorageTransient, "deliver webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.New(errs.KindStorageTransient, fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode))
	}
	return nil
}

// sign computes the Svix-compatible v1 signature over "<id>.<timestamp>.<payload>".
func (d *Deliverer) sign(msgID string, timestamp int64, payload []byte) string {
	signedContent := fmt.Sprintf("%s.%d.%s", msgID, timestamp, payload)
	mac := hmac.New(sha256.New, []byte(d.secret))
	mac.Write([]byte(signedContent))
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
