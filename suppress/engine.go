// Package suppress withholds repeated incident creations for the same
// ship, service and incident type within a time window.
package suppress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lookout/metrics"

	"go.uber.org/zap"
)

// Signature identifies incidents that count as duplicates of each other.
type Signature struct {
	ShipID       string
	Service      string
	IncidentType string
}

func (s Signature) String() string {
	esc := strings.NewReplacer("%", "%25", "|", "%7C")
	return esc.Replace(s.ShipID) + "|" + esc.Replace(s.Service) + "|" + esc.Replace(s.IncidentType)
}

// Candidate is an incident creation about to be published.
type Candidate struct {
	Signature  Signature
	IncidentID string
	// EventTime is the time of the event that opened the incident.
	EventTime time.Time
}

// Store records the last allowed emission per signature. owner is the
// incident id; a repeated check by the owner of the current record is
// allowed, so a redelivered creation is not suppressed by its own record.
type Store interface {
	// CheckAndRecord atomically decides whether an emission at `at` is
	// allowed and, if so, records it.
	CheckAndRecord(ctx context.Context, signature, owner string, at time.Time, window time.Duration) (bool, error)
	// Release removes the record for signature if it still holds owner and `at`.
	Release(ctx context.Context, signature, owner string, at time.Time) error
}

// allowed reports whether an emission at t may follow one recorded at last.
// Candidates older than the record are suppressed so it never moves back.
func allowed(last, t time.Time, window time.Duration) bool {
	if t.Before(last) {
		return false
	}
	return t.Sub(last) >= window
}

// Engine applies the suppression window.
type Engine struct {
	store  Store
	window time.Duration
	logger *zap.SugaredLogger
}

// NewEngine creates an engine over store.
func NewEngine(store Store, window time.Duration, logger *zap.SugaredLogger) (*Engine, error) {
	if window <= 0 {
		return nil, fmt.Errorf("suppression window must be positive, got %s", window)
	}
	return &Engine{store: store, window: window, logger: logger}, nil
}

// Window returns the suppression window.
func (e *Engine) Window() time.Duration { return e.window }

// ShouldSuppress reports whether c duplicates a recent emission. When it
// returns false the emission has been recorded; call Release if publishing
// then fails.
func (e *Engine) ShouldSuppress(ctx context.Context, c Candidate) (bool, error) {
	ok, err := e.store.CheckAndRecord(ctx, c.Signature.String(), c.IncidentID, c.EventTime, e.window)
	if err != nil {
		return false, fmt.Errorf("suppression check failed: %w", err)
	}
	if !ok {
		metrics.IncidentsSuppressed.WithLabelValues(c.Signature.IncidentType).Inc()
		e.logger.Debugw("Suppressed duplicate incident",
			"incident_id", c.IncidentID,
			"signature", c.Signature.String(),
			"event_time", c.EventTime)
		return true, nil
	}
	return false, nil
}

// Release undoes the record made for c by ShouldSuppress.
func (e *Engine) Release(ctx context.Context, c Candidate) error {
	if err := e.store.Release(ctx, c.Signature.String(), c.IncidentID, c.EventTime); err != nil {
		return fmt.Errorf("suppression release failed: %w", err)
	}
	return nil
}
