package webhook

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recurring/pkg/async"
	"github.com/platinummonkey/recurring/pkg/observability"
	"github.com/platinummonkey/recurring/pkg/processor"
)

// verifyOnlyGateway stubs signature verification; the dispatcher never
// touches the rest of the gateway surface.
type verifyOnlyGateway struct {
	processor.Gateway
	verifyErr error
}

func (g *verifyOnlyGateway) VerifySignature(payload []byte, signatureHeader string) error {
	return g.verifyErr
}

// memoryStore is an in-memory idempotency store
type memoryStore struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{seen: make(map[string]bool)}
}

func (s *memoryStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[eventID] {
		return false, nil
	}
	s.seen[eventID] = true
	return true, nil
}

func newTestDispatcher(t *testing.T, gateway processor.Gateway, store Store) (*Dispatcher, *async.WorkerPool) {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pool := async.NewWorkerPool(context.Background(), 2, "webhook-apply", time.Second, logger)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	return NewDispatcher(gateway, store, pool, logger, metrics), pool
}

func TestDispatcherReceive(t *testing.T) {
	ctx := context.Background()
	payload := []byte(`{"id": "evt_1", "type": "invoice.paid", "created": 1700000000, "data": {"object": {"id": "in_1"}}}`)

	t.Run("rejects invalid signature", func(t *testing.T) {
		gateway := &verifyOnlyGateway{verifyErr: processor.ErrSignatureInvalid}
		d, _ := newTestDispatcher(t, gateway, newMemoryStore())

		handled := false
		d.Register("invoice.paid", HandlerFunc(func(ctx context.Context, event *processor.Event) error {
			handled = true
			return nil
		}))

		_, err := d.Receive(ctx, payload, "t=1,v1=bad")
		assert.ErrorIs(t, err, processor.ErrSignatureInvalid)
		assert.False(t, handled)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		d, _ := newTestDispatcher(t, &verifyOnlyGateway{}, newMemoryStore())

		_, err := d.Receive(ctx, []byte("not json"), "sig")
		assert.ErrorIs(t, err, ErrMalformedEvent)

		_, err = d.Receive(ctx, []byte(`{"type": "invoice.paid"}`), "sig")
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("applies the event exactly once", func(t *testing.T) {
		d, pool := newTestDispatcher(t, &verifyOnlyGateway{}, newMemoryStore())

		var mu sync.Mutex
		applied := 0
		d.Register("invoice.paid", HandlerFunc(func(ctx context.Context, event *processor.Event) error {
			mu.Lock()
			defer mu.Unlock()
			applied++
			return nil
		}))

		ack, err := d.Receive(ctx, payload, "sig")
		require.NoError(t, err)
		assert.True(t, ack.Received)
		assert.False(t, ack.Duplicate)

		// Redeliveries of the same event id are acknowledged but dropped.
		for i := 0; i < 3; i++ {
			ack, err := d.Receive(ctx, payload, "sig")
			require.NoError(t, err)
			assert.True(t, ack.Received)
			assert.True(t, ack.Duplicate)
		}

		require.NoError(t, pool.Shutdown(time.Second))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, applied)
	})

	t.Run("acknowledges unknown event types", func(t *testing.T) {
		d, _ := newTestDispatcher(t, &verifyOnlyGateway{}, newMemoryStore())

		ack, err := d.Receive(ctx, []byte(`{"id": "evt_2", "type": "charge.refund.updated"}`), "sig")
		require.NoError(t, err)
		assert.True(t, ack.Received)
	})

	t.Run("store failure surfaces as an error", func(t *testing.T) {
		store := newMemoryStore()
		store.err = errors.New("database down")
		d, _ := newTestDispatcher(t, &verifyOnlyGateway{}, store)

		_, err := d.Receive(ctx, payload, "sig")
		assert.Error(t, err)
	})
}
