package pipeline

import (
	"context"
	"time"

	"lookout/core"
	"lookout/correlate"
	"lookout/emit"
	"lookout/ingest"
	"lookout/metrics"
	"lookout/suppress"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// enrich normalizes msg and resolves its identity and priority.
func (p *Pipeline) enrich(ctx context.Context, msg ingest.Message) (*core.EnrichedEvent, error) {
	ev, err := p.normalize(ctx, msg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "enrich")
	defer span.End()

	res, err := p.stages.Resolver.Resolve(ctx, ev)
	if err != nil {
		endWithError(span, err)
		return nil, p.interrupted(err)
	}
	level := p.stages.Scale.Lookup(ev.Severity)
	span.SetAttributes(
		attribute.String("identity.source_tag", string(res.SourceTag)),
		attribute.Bool("identity.degraded", res.Degraded),
		attribute.Bool("severity.known", level.Defined),
	)
	metrics.StageDuration.WithLabelValues("enrich").Observe(time.Since(start).Seconds())

	return &core.EnrichedEvent{
		Event:         ev,
		Resolution:    res,
		Priority:      level.Value,
		PriorityKnown: level.Defined,
	}, nil
}

func (p *Pipeline) normalize(ctx context.Context, msg ingest.Message) (*core.AnomalyEvent, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "normalize")
	defer span.End()

	ev, err := p.stages.Adapter.Ingest(ctx, msg)
	metrics.StageDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	if err != nil {
		endWithError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event.tracking_id", ev.TrackingID),
		attribute.String("event.kind", string(ev.Kind)),
	)
	return ev, nil
}

// apply folds ev into its incident and emits what the decision calls for.
// Emission happens under the key lock and before the cache is written, so
// a failed publication leaves the cache as it was and the event is retried.
func (p *Pipeline) apply(ctx context.Context, ev *core.EnrichedEvent) (Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "correlate")
	defer span.End()

	res := Result{Key: ev.Key()}
	span.SetAttributes(attribute.String("correlation.key", res.Key.String()))

	incidentType := p.stages.Builder.IncidentType(ev.Event)
	d, err := p.stages.Matcher.Apply(ctx, ev, incidentType, func(ctx context.Context, d *correlate.Decision) error {
		if d.Created {
			return p.emitCreated(ctx, d, &res)
		}
		return p.emitUpdated(ctx, d, &res)
	})
	metrics.StageDuration.WithLabelValues("correlate").Observe(time.Since(start).Seconds())
	if err != nil {
		endWithError(span, err)
		return res, err
	}

	res.IncidentID = d.Entry.IncidentID
	res.Count = d.Entry.Count
	switch {
	case d.Redelivered:
		res.Outcome = OutcomeRedelivered
	case d.Created:
		metrics.IncidentsCreated.WithLabelValues(d.Entry.IncidentType).Inc()
	default:
		metrics.IncidentsUpdated.Inc()
	}
	span.SetAttributes(
		attribute.String("incident.id", res.IncidentID),
		attribute.Bool("correlation.created", d.Created),
		attribute.Bool("correlation.expired", d.Expired),
	)
	return res, nil
}

func (p *Pipeline) emitCreated(ctx context.Context, d *correlate.Decision, res *Result) error {
	incident := d.Entry.Incident(d.Key)
	candidate := suppress.Candidate{
		Signature: suppress.Signature{
			ShipID:       incident.ShipID,
			Service:      incident.Service,
			IncidentType: incident.IncidentType,
		},
		IncidentID: incident.IncidentID,
		EventTime:  d.Entry.FirstSeen,
	}

	suppressed, err := p.stages.Suppressor.ShouldSuppress(ctx, candidate)
	if err != nil {
		return err
	}
	if suppressed {
		d.Entry.Suppressed = true
		res.Outcome = OutcomeSuppressed
		return nil
	}

	if err := p.publish(ctx, incident, emit.KindCreated); err != nil {
		if relErr := p.stages.Suppressor.Release(ctx, candidate); relErr != nil {
			p.logger.Warnw("Failed to release suppression record",
				"incident_id", incident.IncidentID,
				"error", relErr)
		}
		return err
	}
	d.Entry.Emitted = true
	res.Outcome = OutcomeCreated
	res.Published = true
	return nil
}

// emitUpdated publishes an update only for incidents whose creation was
// published.
func (p *Pipeline) emitUpdated(ctx context.Context, d *correlate.Decision, res *Result) error {
	res.Outcome = OutcomeUpdated
	if !p.opts.PublishUpdates || !d.Entry.Emitted || d.Entry.Suppressed {
		return nil
	}
	if err := p.publish(ctx, d.Entry.Incident(d.Key), emit.KindUpdated); err != nil {
		return err
	}
	res.Published = true
	return nil
}

func (p *Pipeline) publish(ctx context.Context, incident *core.Incident, kind emit.Kind) error {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "emit", trace.WithAttributes(
		attribute.String("incident.id", incident.IncidentID),
		attribute.String("incident.kind", string(kind)),
	))
	defer span.End()

	err := p.stages.Emitter.Emit(ctx, incident, kind)
	metrics.StageDuration.WithLabelValues("emit").Observe(time.Since(start).Seconds())
	if err != nil {
		endWithError(span, err)
	}
	return err
}

func endWithError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
