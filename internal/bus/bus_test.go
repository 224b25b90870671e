package bus

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(slog.New(slog.DiscardHandler))
}

func TestPublishRoutesByType(t *testing.T) {
	b := newTestBus()

	var (
		mu      sync.Mutex
		signals []SignalUpdate
		evals   int
	)
	b.Subscribe(TypeSignalUpdate, func(ev Event) {
		mu.Lock()
		signals = append(signals, ev.(SignalUpdate))
		mu.Unlock()
	})
	b.Subscribe(TypeEvaluationUpdate, func(ev Event) {
		mu.Lock()
		evals++
		mu.Unlock()
	})

	b.Publish(SignalUpdate{Signal: "armed_conflict_event", Value: 0.4})
	b.Publish(EvaluationUpdate{Hypothesis: "global_war_risk", Probability: 0.11})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, signals, 1)
	assert.Equal(t, "armed_conflict_event", signals[0].Signal)
	assert.Equal(t, 1, evals)
}

func TestSubscriberSeesPublishOrder(t *testing.T) {
	b := newTestBus()

	var (
		mu   sync.Mutex
		seen []float64
	)
	b.Subscribe(TypeSignalUpdate, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.(SignalUpdate).Value)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		b.Publish(SignalUpdate{Signal: "s", Value: float64(i)})
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 10)
	for i, v := range seen {
		assert.Equal(t, float64(i), v)
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := newTestBus()

	var (
		mu    sync.Mutex
		count int
	)
	b.Subscribe(TypeAlert, func(ev Event) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
	})

	b.Publish(Alert{Rule: "first"})
	b.Publish(Alert{Rule: "second"})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := newTestBus()

	block := make(chan struct{})
	b.Subscribe(TypeFeedUpdated, func(ev Event) {
		<-block
	})

	// One in-flight plus a full inbox; further publishes must return
	// immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultInbox+10; i++ {
			b.Publish(FeedUpdated{Source: "bbc_world"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
	b.Close()
}

func TestHandlerPublishDuringCloseReachesLaterSubscribers(t *testing.T) {
	b := newTestBus()

	// A producer handler that derives a new event, like the alert engine does.
	b.Subscribe(TypeEvaluationUpdate, func(ev Event) {
		b.Publish(Alert{Rule: "derived"})
	})

	var (
		mu   sync.Mutex
		seen []Alert
	)
	b.Subscribe(TypeAlert, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.(Alert))
		mu.Unlock()
	})

	b.Publish(EvaluationUpdate{Hypothesis: "global_war_risk", Probability: 0.9})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "derived", seen[0].Rule)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := newTestBus()

	var count int
	var mu sync.Mutex
	b.Subscribe(TypeAlert, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	b.Close()
	b.Publish(Alert{Rule: "late"})
	b.Close() // idempotent

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, TypeFeedUpdated, FeedUpdated{}.EventType())
	assert.Equal(t, TypeSignalUpdate, SignalUpdate{}.EventType())
	assert.Equal(t, TypeEvaluationUpdate, EvaluationUpdate{}.EventType())
	assert.Equal(t, TypeAlert, Alert{}.EventType())
}
