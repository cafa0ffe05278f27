package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"cvatsync/internal/domain"
	"cvatsync/internal/engine"
	"cvatsync/internal/events"
	"cvatsync/internal/metrics"
)

const (
	signatureHeader = "X-Signature-256"
	signaturePrefix = "sha256="
	maxWebhookBody  = 10 << 20
)

var knownEvents = map[string]bool{
	engine.EventCreateJob:  true,
	engine.EventUpdateJob:  true,
	engine.EventDeleteJob:  true,
	engine.EventCreateTask: true,
	engine.EventUpdateTask: true,
	engine.EventDeleteTask: true,
}

// webhookHandler receives deliveries from the annotation service. Every
// delivery leaves exactly one audit row, whatever the outcome.
type webhookHandler struct {
	engine engine.Engine
	secret string
	logger *slog.Logger
}

type webhookError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type webhookSuccess struct {
	Status string `json:"status"`
	engine.WebhookResult
}

// delivery tracks one request through the audit lifecycle.
type delivery struct {
	h       webhookHandler
	ctx     context.Context
	id      string
	event   string
	started time.Time
}

func (h webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Audit writes outlive a client that hangs up mid-delivery.
	ctx := context.WithoutCancel(r.Context())
	d := &delivery{h: h, ctx: ctx, event: "unknown", started: time.Now()}
	id, err := h.engine.Events.Open(ctx, clientIP(r))
	if err != nil {
		h.logger.Error("webhook audit row not created", "err", err)
		writeJSON(w, http.StatusInternalServerError, webhookError{Error: "Internal server error", Message: err.Error()})
		return
	}
	d.id = id
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("webhook handler panicked", "delivery", d.id, "panic", rec)
			d.fail(w, http.StatusInternalServerError, fmt.Sprintf("panic: %v", rec),
				webhookError{Error: "Internal server error", Message: "unexpected failure"}, nil)
		}
	}()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		d.fail(w, http.StatusBadRequest, fmt.Sprintf("Invalid content type: %s", r.Header.Get("Content-Type")),
			webhookError{Error: "Content-Type must be application/json"}, nil)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		d.fail(w, http.StatusBadRequest, fmt.Sprintf("Unreadable body: %v", err), webhookError{Error: "Invalid JSON payload"}, nil)
		return
	}
	env, err := engine.ParseWebhook(body)
	if err != nil {
		d.fail(w, http.StatusBadRequest, err.Error(), webhookError{Error: "Invalid JSON payload"}, nil)
		return
	}
	if env.Event != "" {
		d.event = env.Event
	}
	if err := h.engine.Events.Payload(ctx, d.id, d.event, env.Raw); err != nil {
		h.logger.Warn("webhook payload not stored", "delivery", d.id, "err", err)
	}

	if h.secret != "" && !validSignature(body, r.Header.Get(signatureHeader), h.secret) {
		d.fail(w, http.StatusForbidden, "Invalid HMAC signature", webhookError{Error: "Invalid signature"}, nil)
		return
	}
	if err := h.engine.Events.Processing(ctx, d.id); err != nil {
		h.logger.Warn("webhook status not advanced", "delivery", d.id, "err", err)
	}

	res, err := h.engine.HandleWebhook(r.Context(), env)
	if err != nil {
		if errors.Is(err, engine.ErrValidation) {
			d.fail(w, http.StatusBadRequest, err.Error(), webhookError{Error: err.Error()}, res.RemoteJobID)
			return
		}
		d.fail(w, http.StatusInternalServerError, err.Error(), webhookError{Error: "Internal server error", Message: err.Error()}, res.RemoteJobID)
		return
	}
	d.succeed(w, res)
}

func (d *delivery) fail(w http.ResponseWriter, status int, msg string, body webhookError, jobID *int64) {
	if err := d.h.engine.Events.Fail(d.ctx, d.id, msg, events.Outcome{RemoteJobID: jobID, HTTPStatus: status}); err != nil {
		d.h.logger.Error("webhook audit row not finished", "delivery", d.id, "err", err)
	}
	d.observe(domain.WebhookError)
	d.h.logger.Warn("webhook rejected", "delivery", d.id, "event", d.event, "status", status, "reason", msg)
	writeJSON(w, status, body)
}

func (d *delivery) succeed(w http.ResponseWriter, res engine.WebhookResult) {
	out := events.Outcome{RemoteJobID: res.RemoteJobID, HTTPStatus: http.StatusOK}
	if res.LinkRecord {
		out.RecordID = res.RecordID
	}
	if err := d.h.engine.Events.Succeed(d.ctx, d.id, out); err != nil {
		d.h.logger.Error("webhook audit row not finished", "delivery", d.id, "err", err)
	}
	d.observe(domain.WebhookSuccess)
	d.h.logger.Info("webhook processed", "delivery", d.id, "event", d.event, "record", res.RecordID)
	writeJSON(w, http.StatusOK, webhookSuccess{Status: "success", WebhookResult: res})
}

func (d *delivery) observe(status string) {
	label := d.event
	if !knownEvents[label] {
		label = "unknown"
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(label, status).Inc()
	metrics.WebhookProcessingDuration.Observe(time.Since(d.started).Seconds())
}

// validSignature checks a "sha256=<hex>" HMAC of body in constant time.
func validSignature(body []byte, header, secret string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(body, secret))
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// clientIP prefers the first X-Forwarded-For hop over the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
