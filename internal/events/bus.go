// Package events provides the typed lifecycle event bus.
//
// The reconciler and messaging bridge publish lifecycle events here; the
// host (payment router, HTTP surface, websocket feed) subscribes. Delivery
// is at-least-once per subscribed handler: overlapping reconciliation
// windows may re-derive the same underlying ledger event, and duplicate
// suppression is the consumer's responsibility.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/ledgerlink/internal/idgen"
	"github.com/mbd888/ledgerlink/internal/metrics"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// Type identifies a lifecycle event.
type Type string

const (
	Connect         Type = "connect"
	Disconnect      Type = "disconnect"
	IncomingPrepare Type = "incoming_prepare"
	OutgoingPrepare Type = "outgoing_prepare"
	IncomingFulfill Type = "incoming_fulfill"
	OutgoingFulfill Type = "outgoing_fulfill"
	IncomingReject  Type = "incoming_reject"
	OutgoingReject  Type = "outgoing_reject"
	IncomingMessage Type = "incoming_message"
	OutgoingMessage Type = "outgoing_message"
)

// Event is a lifecycle event. Transfer is set for prepare/fulfill/reject
// events, Fulfillment for fulfill events, Reason for reject events, and
// Message for message events.
type Event struct {
	ID          string                    `json:"id"`
	Type        Type                      `json:"type"`
	Timestamp   time.Time                 `json:"timestamp"`
	Transfer    *transfer.Transfer        `json:"transfer,omitempty"`
	Fulfillment string                    `json:"fulfillment,omitempty"`
	Reason      *transfer.RejectionReason `json:"reason,omitempty"`
	Message     *transfer.Message         `json:"message,omitempty"`
}

// Handler consumes one event. Handlers run synchronously on the emitter's
// goroutine and must not block; a panicking handler is recovered and
// logged without affecting other handlers or the emitter.
type Handler func(Event)

// Bus fans lifecycle events out to typed subscribers.
type Bus struct {
	mu     sync.RWMutex
	typed  map[Type][]Handler
	all    []Handler
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[Type][]Handler),
		logger: logger,
	}
}

// On subscribes a handler to one event type.
func (b *Bus) On(t Type, h Handler) {
	b.mu.Lock()
	b.typed[t] = append(b.typed[t], h)
	b.mu.Unlock()
}

// OnAll subscribes a handler to every event type.
func (b *Bus) OnAll(h Handler) {
	b.mu.Lock()
	b.all = append(b.all, h)
	b.mu.Unlock()
}

// Emit delivers the event to all matching handlers. Missing event ids and
// timestamps are filled in.
func (b *Bus) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	metrics.LifecycleEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.typed[ev.Type])+len(b.all))
	handlers = append(handlers, b.typed[ev.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventHandlerPanicsTotal.Inc()
			b.logger.Error("panic in event handler",
				"event", string(ev.Type), "panic", fmt.Sprint(r))
		}
	}()
	h(ev)
}
