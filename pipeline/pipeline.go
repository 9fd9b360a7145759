// Package pipeline runs anomaly events through normalization, enrichment,
// correlation, suppression and emission.
//
// Events are enriched concurrently but handed to correlation in arrival
// order. Correlation runs on key partitions, so events sharing a
// correlation key are applied one at a time in the order they arrived.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lookout/core"
	"lookout/correlate"
	"lookout/emit"
	"lookout/enrich"
	"lookout/ingest"
	"lookout/metrics"
	"lookout/severity"
	"lookout/suppress"
	"lookout/util/goroutine"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracerName is the instrumentation name used for pipeline spans.
const TracerName = "lookout/pipeline"

// Outcome is what processing did with one message.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeUpdated      Outcome = "updated"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeRedelivered  Outcome = "redelivered"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Result describes the processing of one message.
type Result struct {
	Outcome    Outcome             `json:"outcome"`
	Key        core.CorrelationKey `json:"correlation_key,omitempty"`
	IncidentID string              `json:"incident_id,omitempty"`
	Count      int                 `json:"count,omitempty"`
	// Published is true when an incident record was emitted for this message.
	Published bool `json:"published"`
}

// Stages are the processing steps the pipeline drives.
type Stages struct {
	Adapter    *ingest.Adapter
	Resolver   *enrich.Resolver
	Scale      *severity.Scale
	Matcher    *correlate.Matcher
	Suppressor *suppress.Engine
	Emitter    *emit.Emitter
	Builder    *emit.Builder
}

// Options tune concurrency and emission.
type Options struct {
	Partitions    int
	QueueSize     int
	InFlight      int
	EnrichWorkers int
	// ProcessTimeout bounds the enrichment and the correlation step of one
	// event separately.
	ProcessTimeout time.Duration
	PublishUpdates bool
}

// Pipeline implements ingest.MessageSink.
type Pipeline struct {
	stages Stages
	opts   Options
	tracer trace.Tracer
	logger *zap.SugaredLogger

	pool      *core.PartitionedPool
	slots     chan struct{}
	enrichers chan struct{}
	order     chan *job

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	started  bool
	closed   bool
	inflight sync.WaitGroup
	seqDone  chan struct{}
}

type job struct {
	msg   ingest.Message
	done  func(Result, error)
	ctx   context.Context
	span  trace.Span
	start time.Time

	ready chan struct{}
	event *core.EnrichedEvent
	err   error

	once sync.Once
}

// New creates a pipeline. A nil tracer uses the global tracer provider.
func New(stages Stages, opts Options, tracer trace.Tracer, logger *zap.SugaredLogger) *Pipeline {
	if opts.InFlight < 1 {
		opts.InFlight = 1
	}
	if opts.EnrichWorkers < 1 {
		opts.EnrichWorkers = 1
	}
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		stages:    stages,
		opts:      opts,
		tracer:    tracer,
		logger:    logger,
		pool:      core.NewPartitionedPool(ctx, opts.Partitions, opts.QueueSize, "correlation", logger),
		slots:     make(chan struct{}, opts.InFlight),
		enrichers: make(chan struct{}, opts.EnrichWorkers),
		order:     make(chan *job, opts.InFlight),
		ctx:       ctx,
		cancel:    cancel,
		seqDone:   make(chan struct{}),
	}
}

// Start launches the partition workers and the sequencer.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrShuttingDown
	}
	if p.started {
		return nil
	}
	if err := p.pool.Start(); err != nil {
		return err
	}
	p.started = true
	go p.sequence()
	p.logger.Infow("Pipeline started",
		"partitions", p.opts.Partitions,
		"in_flight", p.opts.InFlight,
		"enrich_workers", p.opts.EnrichWorkers,
		"publish_updates", p.opts.PublishUpdates)
	return nil
}

// Submit implements ingest.MessageSink. It blocks while the in-flight limit
// is reached.
func (p *Pipeline) Submit(ctx context.Context, msg ingest.Message, done func(error)) error {
	return p.submit(ctx, msg, func(_ Result, err error) { done(err) })
}

// Process handles msg and waits for its result.
func (p *Pipeline) Process(ctx context.Context, msg ingest.Message) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	err := p.submit(ctx, msg, func(res Result, err error) { ch <- outcome{res: res, err: err} })
	if err != nil {
		return Result{}, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pipeline) submit(ctx context.Context, msg ingest.Message, done func(Result, error)) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return core.ErrShuttingDown
	}

	p.mu.RLock()
	if !p.started || p.closed {
		p.mu.RUnlock()
		<-p.slots
		return core.ErrShuttingDown
	}

	jctx, span := p.tracer.Start(p.ctx, "process", trace.WithAttributes(
		attribute.String("message.source", msg.Source),
		attribute.String("message.subject", msg.Subject),
	))
	j := &job{
		msg:   msg,
		done:  done,
		ctx:   jctx,
		span:  span,
		start: time.Now(),
		ready: make(chan struct{}),
	}
	p.inflight.Add(1)
	// Never blocks: every queued job holds one of the slots.
	p.order <- j
	p.mu.RUnlock()

	go p.prepare(j)
	return nil
}

// Stop refuses new messages and waits for in-flight ones until ctx is done.
// Messages still queued after that are abandoned with core.ErrShuttingDown.
func (p *Pipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	close(p.order)
	p.mu.Unlock()

	if !started {
		p.cancel()
		return
	}

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.logger.Info("Pipeline drained")
	case <-ctx.Done():
		p.logger.Warn("Pipeline drain timed out, abandoning queued events")
	}

	p.cancel()
	<-p.seqDone
	p.pool.Stop()
}

// prepare normalizes and enriches j off the ordered path.
func (p *Pipeline) prepare(j *job) {
	defer close(j.ready)
	defer goroutine.RecoverWith("pipeline-prepare", p.logger, func(v any) {
		j.event = nil
		j.err = fmt.Errorf("panic while enriching event: %v", v)
	})

	select {
	case p.enrichers <- struct{}{}:
		defer func() { <-p.enrichers }()
	case <-p.ctx.Done():
		j.err = core.ErrShuttingDown
		return
	}

	ctx := j.ctx
	if p.opts.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ProcessTimeout)
		defer cancel()
	}
	j.event, j.err = p.enrich(ctx, j.msg)
}

// sequence hands prepared jobs to the partition pool in arrival order.
func (p *Pipeline) sequence() {
	defer close(p.seqDone)
	defer goroutine.Recover("pipeline-sequencer", p.logger)

	for j := range p.order {
		j := j // per-iteration copy; the module targets go 1.21 loop semantics
		<-j.ready
		if j.err != nil {
			res := Result{}
			if errors.Is(j.err, core.ErrMalformedEvent) {
				res.Outcome = OutcomeDeadLettered
			}
			p.finish(j, res, j.err)
			continue
		}

		key := j.event.Key()
		if p.ctx.Err() != nil {
			p.finish(j, Result{Key: key}, core.ErrShuttingDown)
			continue
		}
		err := p.pool.Submit(p.ctx, key.String(), core.PartitionTask{
			Run:     func() { p.correlate(j) },
			Abandon: func(err error) { p.finish(j, Result{Key: key}, err) },
		})
		if err != nil {
			if !errors.Is(err, core.ErrShuttingDown) {
				err = fmt.Errorf("%w: %v", core.ErrShuttingDown, err)
			}
			p.finish(j, Result{Key: key}, err)
		}
	}
}

func (p *Pipeline) correlate(j *job) {
	res := Result{Key: j.event.Key()}
	var err error
	defer func() { p.finish(j, res, err) }()
	defer goroutine.RecoverWith("pipeline-correlate", p.logger, func(v any) {
		err = fmt.Errorf("panic while correlating event: %v", v)
	})

	// Submit may have accepted the task after Stop cancelled the pipeline.
	if p.ctx.Err() != nil {
		err = core.ErrShuttingDown
		return
	}

	ctx := j.ctx
	if p.opts.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ProcessTimeout)
		defer cancel()
	}
	res, err = p.apply(ctx, j.event)
	err = p.interrupted(err)
}

// interrupted reports cancellation caused by Stop as core.ErrShuttingDown so
// the message is requeued instead of acknowledged.
func (p *Pipeline) interrupted(err error) error {
	if err == nil || errors.Is(err, core.ErrShuttingDown) || !errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrShuttingDown, err)
}

// finish reports the result of j exactly once and releases its slot.
func (p *Pipeline) finish(j *job, res Result, err error) {
	j.once.Do(func() {
		if err != nil {
			j.span.RecordError(err)
			j.span.SetStatus(codes.Error, err.Error())
		} else {
			j.span.SetAttributes(
				attribute.String("pipeline.outcome", string(res.Outcome)),
				attribute.String("incident.id", res.IncidentID),
			)
		}
		j.span.End()
		metrics.StageDuration.WithLabelValues("total").Observe(time.Since(j.start).Seconds())

		switch {
		case err == nil:
			p.logger.Debugw("Event processed",
				"outcome", res.Outcome,
				"incident_id", res.IncidentID,
				"correlation_key", res.Key,
				"count", res.Count,
				"published", res.Published)
		case errors.Is(err, core.ErrMalformedEvent):
			// Logged by the adapter.
		default:
			p.logger.Warnw("Event processing failed, will be retried",
				"source", j.msg.Source,
				"subject", j.msg.Subject,
				"correlation_key", res.Key,
				"error", err)
		}

		<-p.slots
		p.inflight.Done()
		j.done(res, err)
	})
}
