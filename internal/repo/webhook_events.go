package repo

import (
	"context"
	"database/sql"
	"strings"

	"cvatsync/internal/domain"
)

const webhookColumns = `id,event_type,payload,status,record_id,remote_job_id,error_message,source_ip,response_status,received_at,processed_at`

func scanWebhookEvent(row rowScanner) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var recordID, errMsg, sourceIP, processedAt sql.NullString
	var jobID, respStatus sql.NullInt64
	err := row.Scan(&e.ID, &e.EventType, &e.Payload, &e.Status, &recordID, &jobID, &errMsg, &sourceIP, &respStatus, &e.ReceivedAt, &processedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.RecordID = recordID.String
	e.ErrorMessage = errMsg.String
	e.SourceIP = sourceIP.String
	e.ProcessedAt = processedAt.String
	e.ResponseStatus = int(respStatus.Int64)
	if jobID.Valid {
		id := jobID.Int64
		e.RemoteJobID = &id
	}
	return e, nil
}

func (r Repo) GetWebhookEvent(ctx context.Context, id string) (domain.WebhookEvent, error) {
	return scanWebhookEvent(r.DB.QueryRowContext(ctx, r.q(`SELECT `+webhookColumns+` FROM webhook_events WHERE id=?`), id))
}

// WebhookEventFilters narrows the delivery log.
type WebhookEventFilters struct {
	EventType string
	Status    string
	Limit     int
	// Cursor is "received_at|id" of the last row already seen.
	CursorReceivedAt string
	CursorID         string
}

// ListWebhookEvents returns deliveries newest first.
func (r Repo) ListWebhookEvents(ctx context.Context, f WebhookEventFilters) ([]domain.WebhookEvent, error) {
	var clauses []string
	var args []any
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorReceivedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(received_at < ? OR (received_at = ? AND id < ?))")
		args = append(args, f.CursorReceivedAt, f.CursorReceivedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + webhookColumns + ` FROM webhook_events` + where + ` ORDER BY received_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountWebhookEventsByStatus is used by health output.
func (r Repo) CountWebhookEventsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM webhook_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
