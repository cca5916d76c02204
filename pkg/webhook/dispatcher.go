package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/recurring/pkg/async"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// ErrMalformedEvent indicates a payload that verified but did not decode
// into an event envelope.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Handler applies one decoded event type to the ledger
type Handler interface {
	Handle(ctx context.Context, event *processor.Event) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, event *processor.Event) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, event *processor.Event) error {
	return f(ctx, event)
}

// Ack is the acknowledgment returned to the processor. Returning it within
// the delivery timeout is what stops redelivery, so events are acknowledged
// as soon as they are verified and deduplicated; application happens on the
// worker pool afterwards.
type Ack struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Dispatcher verifies, deduplicates and routes incoming webhook deliveries
type Dispatcher struct {
	gateway  processor.Gateway
	store    Store
	pool     *async.WorkerPool
	handlers map[string]Handler
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewDispatcher creates a webhook dispatcher. Register handlers before
// serving traffic; registration is not synchronized.
func NewDispatcher(gateway processor.Gateway, store Store, pool *async.WorkerPool, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		gateway:  gateway,
		store:    store,
		pool:     pool,
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register routes an event type to a handler
func (d *Dispatcher) Register(eventType string, handler Handler) {
	d.handlers[eventType] = handler
}

// Receive processes one webhook delivery: verify the signature, decode the
// envelope, claim the event id, then hand the event to the worker pool.
// Unrecognized event types are acknowledged and dropped so new processor
// event types never break ingestion.
func (d *Dispatcher) Receive(ctx context.Context, payload []byte, signatureHeader string) (*Ack, error) {
	if err := d.gateway.VerifySignature(payload, signatureHeader); err != nil {
		d.metrics.WebhookSignatureFailures.Inc()
		return nil, err
	}

	var event processor.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformedEvent)
	}

	logger := d.logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	firstTime, err := d.store.MarkProcessed(ctx, event.ID, event.Type)
	if err != nil {
		return nil, err
	}
	if !firstTime {
		d.metrics.WebhookDuplicatesTotal.Inc()
		logger.Debug("dropping already processed event")
		return &Ack{Received: true, Duplicate: true}, nil
	}

	handler, ok := d.handlers[event.Type]
	if !ok {
		d.metrics.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		logger.Debug("no handler registered for event type")
		return &Ack{Received: true}, nil
	}

	d.metrics.WebhookEventsTotal.WithLabelValues(event.Type, "accepted").Inc()

	err = d.pool.Submit(func(taskCtx context.Context) error {
		taskCtx = observability.WithLogger(observability.WithEventID(taskCtx, event.ID), d.logger)
		start := time.Now()
		if herr := handler.Handle(taskCtx, &event); herr != nil {
			d.metrics.WebhookProcessingErrors.WithLabelValues(event.Type).Inc()
			logger.WithError(herr).Error("failed to apply webhook event")
			return herr
		}
		d.metrics.WebhookProcessingTime.WithLabelValues(event.Type).Observe(time.Since(start).Seconds())
		return nil
	})
	if err != nil {
		// Pool is shutting down; apply inline so the accepted event is not lost.
		logger.WithError(err).Warn("worker pool unavailable, applying event inline")
		inlineCtx := observability.WithLogger(observability.WithEventID(ctx, event.ID), d.logger)
		if herr := handler.Handle(inlineCtx, &event); herr != nil {
			d.metrics.WebhookProcessingErrors.WithLabelValues(event.Type).Inc()
			logger.WithError(herr).Error("failed to apply webhook event")
		}
	}

	return &Ack{Received: true}, nil
}
