// Package events keeps the audit trail of inbound webhook deliveries.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cvatsync/internal/db"
	"cvatsync/internal/domain"
)

// Writer moves a delivery row through pending, processing and a terminal status.
type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

// Outcome is what a finished delivery links to.
type Outcome struct {
	RecordID    string
	RemoteJobID *int64
	HTTPStatus  int
}

func (w Writer) now() string {
	if w.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return w.Now().UTC().Format(time.RFC3339)
}

// Open records a delivery as pending before anything about it is validated.
func (w Writer) Open(ctx context.Context, sourceIP string) (string, error) {
	// v7 ids sort by creation, breaking received_at ties within a second.
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("open webhook event: %w", err)
	}
	id := u.String()
	_, err = w.DB.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO webhook_events(id,event_type,payload,status,source_ip,received_at) VALUES (?,?,?,?,?,?)`),
		id, "unknown", "{}", domain.WebhookPending, nullable(sourceIP), w.now())
	if err != nil {
		return "", fmt.Errorf("open webhook event: %w", err)
	}
	return id, nil
}

// Payload stores the parsed body and event type while the row is still pending.
func (w Writer) Payload(ctx context.Context, id, eventType string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if eventType == "" {
		eventType = "unknown"
	}
	_, err := w.DB.ExecContext(ctx, w.Dialect.Rebind(`UPDATE webhook_events SET event_type=?, payload=? WHERE id=?`),
		eventType, string(payload), id)
	return err
}

// Processing marks a delivery whose body and signature were accepted.
func (w Writer) Processing(ctx context.Context, id string) error {
	return w.setStatus(ctx, id, domain.WebhookProcessing)
}

func (w Writer) setStatus(ctx context.Context, id, status string) error {
	_, err := w.DB.ExecContext(ctx, w.Dialect.Rebind(`UPDATE webhook_events SET status=? WHERE id=?`), status, id)
	return err
}

// Succeed terminates a delivery and links the affected record.
func (w Writer) Succeed(ctx context.Context, id string, out Outcome) error {
	return w.finish(ctx, id, domain.WebhookSuccess, "", out)
}

// Fail terminates a delivery with an error message.
func (w Writer) Fail(ctx context.Context, id string, msg string, out Outcome) error {
	return w.finish(ctx, id, domain.WebhookError, msg, out)
}

func (w Writer) finish(ctx context.Context, id, status, msg string, out Outcome) error {
	var jobID any
	if out.RemoteJobID != nil {
		jobID = *out.RemoteJobID
	}
	var httpStatus any
	if out.HTTPStatus > 0 {
		httpStatus = out.HTTPStatus
	}
	_, err := w.DB.ExecContext(ctx, w.Dialect.Rebind(`UPDATE webhook_events SET status=?, error_message=?, record_id=?, remote_job_id=?, response_status=?, processed_at=? WHERE id=?`),
		status, nullable(msg), nullable(out.RecordID), jobID, httpStatus, w.now(), id)
	if err != nil {
		return fmt.Errorf("finish webhook event %s: %w", id, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
