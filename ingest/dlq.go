package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lookout/metrics"

	"go.uber.org/zap"
)

// DLQ record statuses.
const (
	DLQStatusPending   = "pending"
	DLQStatusReplayed  = "replayed"
	DLQStatusDiscarded = "discarded"
)

// ErrDLQEventNotFound is returned by Get for an unknown id.
var ErrDLQEventNotFound = errors.New("dlq event not found")

// FailedEvent is a payload the adapter rejected, kept verbatim for inspection
// and replay.
type FailedEvent struct {
	Source       string // "bus", "http" or "replay"
	Subject      string // bus subject, if any
	ContentType  string
	RawEvent     []byte
	ErrorReason  string // core.Reason* value
	ErrorDetails string
}

// DeadLetterSink receives events that could not be ingested.
type DeadLetterSink interface {
	Add(ctx context.Context, event *FailedEvent) error
}

// DLQEvent is a stored dead-letter record.
type DLQEvent struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	Subject      string    `json:"subject,omitempty"`
	ContentType  string    `json:"content_type"`
	RawEvent     []byte    `json:"raw_event"`
	ErrorReason  string    `json:"error_reason"`
	ErrorDetails string    `json:"error_details"`
	Retries      int       `json:"retries"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// DLQFilter narrows List results. Empty fields match everything.
type DLQFilter struct {
	Status      string
	Source      string
	ErrorReason string
}

// SQLiteDLQ stores dead letters in the dead_letter_queue table.
type SQLiteDLQ struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteDLQ creates a DLQ over an already migrated database.
func NewSQLiteDLQ(db *sql.DB, logger *zap.SugaredLogger) *SQLiteDLQ {
	return &SQLiteDLQ{db: db, logger: logger}
}

// Add writes a failed event with status pending.
func (d *SQLiteDLQ) Add(ctx context.Context, event *FailedEvent) error {
	contentType := event.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue
		(source, subject, content_type, raw_event, error_reason, error_details, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Source,
		event.Subject,
		contentType,
		event.RawEvent,
		event.ErrorReason,
		event.ErrorDetails,
		DLQStatusPending,
	)
	if err != nil {
		metrics.DLQWriteFailures.Inc()
		d.logger.Errorw("Failed to write event to DLQ",
			"error", err,
			"source", event.Source,
			"reason", event.ErrorReason)
		return fmt.Errorf("failed to write event to DLQ: %w", err)
	}

	metrics.DLQEventsTotal.WithLabelValues(event.ErrorReason).Inc()
	d.logger.Debugw("Event written to DLQ",
		"source", event.Source,
		"subject", event.Subject,
		"reason", event.ErrorReason)
	return nil
}

const dlqColumns = `id, timestamp, source, subject, content_type, raw_event, error_reason,
	COALESCE(error_details, ''), retries, status, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDLQEvent(row scanner) (*DLQEvent, error) {
	var event DLQEvent
	err := row.Scan(
		&event.ID,
		&event.Timestamp,
		&event.Source,
		&event.Subject,
		&event.ContentType,
		&event.RawEvent,
		&event.ErrorReason,
		&event.ErrorDetails,
		&event.Retries,
		&event.Status,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Get retrieves a DLQ event by id.
func (d *SQLiteDLQ) Get(ctx context.Context, id int64) (*DLQEvent, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+dlqColumns+" FROM dead_letter_queue WHERE id = ?", id)
	event, err := scanDLQEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrDLQEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ event: %w", err)
	}
	return event, nil
}

// List returns one page of DLQ events, newest first, and the total number of
// events matching filter. page starts at 1.
func (d *SQLiteDLQ) List(ctx context.Context, page, limit int, filter DLQFilter) ([]*DLQEvent, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.ErrorReason != "" {
		clauses = append(clauses, "error_reason = ?")
		args = append(args, filter.ErrorReason)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter_queue "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count DLQ events: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM dead_letter_queue %s ORDER BY id DESC LIMIT ? OFFSET ?", dlqColumns, where)
	rows, err := d.db.QueryContext(ctx, query, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query DLQ events: %w", err)
	}
	defer rows.Close()

	events := []*DLQEvent{}
	for rows.Next() {
		event, err := scanDLQEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan DLQ event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating DLQ events: %w", err)
	}
	return events, total, nil
}

// UpdateStatus sets the status of a DLQ event.
func (d *SQLiteDLQ) UpdateStatus(ctx context.Context, id int64, status string) error {
	switch status {
	case DLQStatusPending, DLQStatusReplayed, DLQStatusDiscarded:
	default:
		return fmt.Errorf("invalid DLQ status %q", status)
	}
	res, err := d.db.ExecContext(ctx, "UPDATE dead_letter_queue SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update DLQ event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%d", ErrDLQEventNotFound, id)
	}
	return nil
}

// IncrementRetries bumps the retry counter of a DLQ event.
func (d *SQLiteDLQ) IncrementRetries(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx, "UPDATE dead_letter_queue SET retries = retries + 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to increment DLQ event retries: %w", err)
	}
	return nil
}

// sqliteTimestamp is the text layout of CURRENT_TIMESTAMP.
const sqliteTimestamp = "2006-01-02 15:04:05"

// Purge deletes replayed and discarded events created at or before the cutoff.
// Pending events are never purged.
func (d *SQLiteDLQ) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		"DELETE FROM dead_letter_queue WHERE status != ? AND created_at <= ?",
		DLQStatusPending, before.UTC().Format(sqliteTimestamp))
	if err != nil {
		return 0, fmt.Errorf("failed to purge DLQ events: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.DLQEventsPurged.Add(float64(n))
	return n, nil
}

// Count returns the number of events with the given status, or all events
// when status is empty.
func (d *SQLiteDLQ) Count(ctx context.Context, status string) (int, error) {
	var n int
	var err error
	if status == "" {
		err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter_queue").Scan(&n)
	} else {
		err = d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter_queue WHERE status = ?", status).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ events: %w", err)
	}
	return n, nil
}
