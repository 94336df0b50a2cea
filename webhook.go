package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cds-git-sync/bridge/cdsclient"
	"github.com/cds-git-sync/bridge/queue"
)

// changeNotificationPayload is the webhook body SPEC_FULL.md §6 describes:
// a compound doc_id (relay uuid + resource uuid) and an event timestamp.
type changeNotificationPayload struct {
	DocID     string `json:"doc_id"`
	Timestamp string `json:"timestamp"`
}

// WebhookHandler validates and enqueues change notifications pushed by the
// CDS. It is only ever registered when a signing secret is configured.
type WebhookHandler struct {
	queue  *queue.Queue
	secret string
	log    *slog.Logger
}

func (wh *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		wh.log.Error("cannot read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !wh.isValidSignature(body, r.Header.Get("X-CDS-Signature-256")) {
		wh.log.Error("invalid webhook signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload changeNotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		wh.log.Error("cannot unmarshal webhook payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if payload.DocID == "" || payload.Timestamp == "" {
		wh.log.Error("webhook payload missing doc_id or timestamp")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The compound id is only ever re-split at this boundary (SPEC_FULL.md
	// §9): everywhere past this point a resource is addressed by a bare id
	// plus an explicit relay_id.
	relayID, resourceID, err := cdsclient.SplitCompoundID(payload.DocID)
	if err != nil {
		wh.log.Error("webhook payload has malformed doc_id", "doc_id", payload.DocID, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ts, err := parseWebhookTimestamp(payload.Timestamp)
	if err != nil {
		wh.log.Error("webhook payload has malformed timestamp", "timestamp", payload.Timestamp, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wh.queue.EnqueueChangeNotification(queue.ChangeNotification{
		RelayID:    relayID,
		ResourceID: resourceID,
		Timestamp:  ts,
	})

	w.WriteHeader(http.StatusOK)
}

func (wh *WebhookHandler) isValidSignature(message []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(wh.computeHMAC(message)))
}

func (wh *WebhookHandler) computeHMAC(message []byte) string {
	mac := hmac.New(sha256.New, []byte(wh.secret))
	if _, err := mac.Write(message); err != nil {
		wh.log.Error("cannot compute hmac for webhook request", "error", err)
		return ""
	}
	// mirrors a provider-style signature header: algorithm prefix + hex digest
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// parseWebhookTimestamp accepts either an ISO8601 instant or unix seconds
// (SPEC_FULL.md §6), normalizing to UTC.
func parseWebhookTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}
