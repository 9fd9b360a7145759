package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lookout/ingest"
)

// ErrNotPending is returned when replaying a dead letter that was already
// replayed or discarded.
var ErrNotPending = errors.New("dead letter is not pending")

// ReplayDeadLetter runs the stored payload of dead letter id through the
// pipeline. A payload that is still malformed is not dead-lettered again;
// its retry counter is bumped instead.
func (p *Pipeline) ReplayDeadLetter(ctx context.Context, dlq *ingest.SQLiteDLQ, id int64) (Result, error) {
	ev, err := dlq.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if ev.Status != ingest.DLQStatusPending {
		return Result{}, fmt.Errorf("%w: id=%d status=%s", ErrNotPending, id, ev.Status)
	}

	msg := ingest.Message{
		Data:        ev.RawEvent,
		ContentType: ev.ContentType,
		Source:      ingest.SourceReplay,
		Subject:     ev.Subject,
		ReceivedAt:  time.Now().UTC(),
	}
	if _, err := p.stages.Adapter.Normalize(msg); err != nil {
		if incErr := dlq.IncrementRetries(ctx, id); incErr != nil {
			p.logger.Warnw("Failed to record replay attempt", "id", id, "error", incErr)
		}
		return Result{Outcome: OutcomeDeadLettered}, err
	}

	res, err := p.Process(ctx, msg)
	if err != nil {
		if incErr := dlq.IncrementRetries(ctx, id); incErr != nil {
			p.logger.Warnw("Failed to record replay attempt", "id", id, "error", incErr)
		}
		return res, err
	}
	if err := dlq.UpdateStatus(ctx, id, ingest.DLQStatusReplayed); err != nil {
		return res, err
	}
	p.logger.Infow("Dead letter replayed", "id", id, "outcome", res.Outcome, "incident_id", res.IncidentID)
	return res, nil
}
