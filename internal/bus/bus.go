// Package bus is the in-process event bus connecting the pipeline stages:
// the change detector, signal computer, evaluator, alert engine, and
// websocket fan-out all talk through it. Each subscriber gets its own
// buffered inbox drained by a dedicated goroutine, so a slow handler can
// never stall a publisher; when an inbox is full the event is dropped for
// that subscriber only.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event type names.
const (
	TypeFeedUpdated      = "feed_updated"
	TypeSignalUpdate     = "signal_update"
	TypeEvaluationUpdate = "evaluation_update"
	TypeAlert            = "alert"
)

// Event is implemented by every message the bus carries.
type Event interface {
	EventType() string
}

// FeedUpdated announces that a source's feed content changed.
type FeedUpdated struct {
	Source    string        `json:"source"`
	URL       string        `json:"url"`
	ItemCount int           `json:"item_count"`
	Preview   []ItemPreview `json:"preview,omitempty"`
	At        time.Time     `json:"at"`
}

// ItemPreview is a trimmed feed entry carried inside FeedUpdated.
type ItemPreview struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// SignalUpdate announces a freshly computed signal value.
type SignalUpdate struct {
	Signal      string    `json:"signal"`
	Value       float64   `json:"value"`
	SourceCount int       `json:"source_count"`
	ItemCount   int       `json:"item_count"`
	At          time.Time `json:"at"`
}

// EvaluationUpdate announces a hypothesis evaluation result. The Monte Carlo
// fields are nil when the evaluation was deterministic.
type EvaluationUpdate struct {
	Hypothesis  string    `json:"hypothesis"`
	Probability float64   `json:"probability"`
	MCMean      *float64  `json:"mc_mean,omitempty"`
	CILow       *float64  `json:"ci_low,omitempty"`
	CIHigh      *float64  `json:"ci_high,omitempty"`
	Country     string    `json:"country,omitempty"`
	At          time.Time `json:"at"`
}

// Alert announces a triggered alert rule.
type Alert struct {
	ID         string    `json:"id"`
	Rule       string    `json:"rule"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Hypothesis string    `json:"hypothesis,omitempty"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	At         time.Time `json:"at"`
}

func (FeedUpdated) EventType() string      { return TypeFeedUpdated }
func (SignalUpdate) EventType() string     { return TypeSignalUpdate }
func (EvaluationUpdate) EventType() string { return TypeEvaluationUpdate }
func (Alert) EventType() string            { return TypeAlert }

// Handler consumes events of the type it subscribed to.
type Handler func(Event)

const defaultInbox = 64

type subscriber struct {
	eventType string
	inbox     chan Event
	done      chan struct{}
	stopped   chan struct{}
}

// Bus routes published events to type-matched subscribers.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    []*subscriber
	closing bool
	closed  bool
}

// New creates a Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers handler for events of eventType. The handler runs on
// its own goroutine and sees events in publish order. A panicking handler is
// recovered and logged; delivery continues with the next event.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	sub := &subscriber{
		eventType: eventType,
		inbox:     make(chan Event, defaultInbox),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		defer close(sub.stopped)
		for {
			select {
			case ev, ok := <-sub.inbox:
				if !ok {
					return
				}
				b.deliver(handler, ev)
			case <-sub.done:
				// Drain what was already queued, then stop.
				for {
					select {
					case ev := <-sub.inbox:
						b.deliver(handler, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (b *Bus) deliver(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", ev.EventType()),
				slog.Any("panic", r))
		}
	}()
	handler(ev)
}

// Publish fans ev out to every subscriber of its type. Full inboxes drop the
// event for that subscriber; Publish never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.eventType != ev.EventType() {
			continue
		}
		select {
		case sub.inbox <- ev:
		default:
			b.logger.Warn("event dropped, subscriber inbox full",
				slog.String("event_type", ev.EventType()))
		}
	}
}

// Close stops delivery. Subscribers shut down one at a time in subscription
// order, each draining its queued events first, so an event a handler
// publishes while draining still reaches subscribers registered after it.
// Wiring therefore subscribes producers (the alert engine) before consumers
// (the websocket fan-out).
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
		<-sub.stopped
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
