package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"lookout/core"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPIntake accepts anomaly events over HTTP. Each request carries one
// event and is answered once that event has been processed.
type HTTPIntake struct {
	sink    MessageSink
	limiter *rate.Limiter
	maxBody int64
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewHTTPIntake creates the intake handler. A zero rateLimit disables rate
// limiting.
func NewHTTPIntake(sink MessageSink, maxBody int64, rateLimit float64, burst int, timeout time.Duration, logger *zap.SugaredLogger) *HTTPIntake {
	h := &HTTPIntake{
		sink:    sink,
		maxBody: maxBody,
		timeout: timeout,
		logger:  logger,
	}
	if rateLimit > 0 {
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	return h
}

// Register mounts the intake routes on r.
func (h *HTTPIntake) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/events", h.postEvent).Methods(http.MethodPost)
}

type intakeResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *HTTPIntake) postEvent(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		respondJSON(w, h.logger, intakeResponse{Status: "rejected", Error: "rate limit exceeded"}, http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondJSON(w, h.logger, intakeResponse{Status: "rejected", Error: fmt.Sprintf("body exceeds %d bytes", h.maxBody)}, http.StatusRequestEntityTooLarge)
			return
		}
		respondJSON(w, h.logger, intakeResponse{Status: "rejected", Error: "failed to read body"}, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	msg := Message{
		Data:        body,
		ContentType: r.Header.Get("Content-Type"),
		Source:      SourceHTTP,
		ReceivedAt:  time.Now().UTC(),
	}

	result := make(chan error, 1)
	if err := h.sink.Submit(ctx, msg, func(err error) { result <- err }); err != nil {
		h.respondError(w, err)
		return
	}

	select {
	case err := <-result:
		if err != nil {
			h.respondError(w, err)
			return
		}
		respondJSON(w, h.logger, intakeResponse{Status: "accepted"}, http.StatusAccepted)
	case <-ctx.Done():
		respondJSON(w, h.logger, intakeResponse{Status: "pending", Error: "processing did not finish in time"}, http.StatusServiceUnavailable)
	}
}

func (h *HTTPIntake) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrMalformedEvent) {
		respondJSON(w, h.logger, intakeResponse{
			Status: "dead_lettered",
			Reason: core.MalformedReason(err),
			Error:  err.Error(),
		}, http.StatusBadRequest)
		return
	}

	h.logger.Warnw("HTTP event processing failed", "error", err)
	w.Header().Set("Retry-After", "5")
	respondJSON(w, h.logger, intakeResponse{Status: "unavailable", Error: "event could not be processed, retry later"}, http.StatusServiceUnavailable)
}

func respondJSON(w http.ResponseWriter, logger *zap.SugaredLogger, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}
