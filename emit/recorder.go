package emit

import (
	"context"
	"sync"

	"lookout/core"
)

// Record is one publication captured by a Recorder.
type Record struct {
	Kind     Kind
	Incident core.Incident
}

// Recorder is an in-memory Publisher.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	err     error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Publish stores a copy of incident, or returns the configured error.
func (r *Recorder) Publish(_ context.Context, kind Kind, incident *core.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	inc := *incident
	inc.TrackingIDs = append([]string(nil), incident.TrackingIDs...)
	r.records = append(r.records, Record{Kind: kind, Incident: inc})
	return nil
}

// FailWith makes subsequent publications fail with err; nil clears it.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Records returns all publications in order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Created returns the incidents published with KindCreated.
func (r *Recorder) Created() []core.Incident {
	return r.byKind(KindCreated)
}

// Updated returns the incidents published with KindUpdated.
func (r *Recorder) Updated() []core.Incident {
	return r.byKind(KindUpdated)
}

// Latest returns the most recent publication per incident id.
func (r *Recorder) Latest() map[string]core.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]core.Incident)
	for _, rec := range r.records {
		out[rec.Incident.IncidentID] = rec.Incident
	}
	return out
}

func (r *Recorder) byKind(kind Kind) []core.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Incident
	for _, rec := range r.records {
		if rec.Kind == kind {
			out = append(out, rec.Incident)
		}
	}
	return out
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }
