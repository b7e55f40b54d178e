// Package messaging delivers out-of-band messages between ledger
// addresses, directly over a registered channel or disguised as a 1-unit
// sentinel-conditioned transfer when no channel exists.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/ledgerlink/internal/events"
	"github.com/mbd888/ledgerlink/internal/idgen"
	"github.com/mbd888/ledgerlink/internal/metrics"
	"github.com/mbd888/ledgerlink/internal/session"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// DefaultMessageExpiry is the timelock placed on disguised message
// transfers. The sentinel condition is unfulfillable, so the locked unit
// always refunds via timeout shortly after delivery.
const DefaultMessageExpiry = 30 * time.Second

// Channel delivers messages directly to one peer, bypassing the ledger.
type Channel interface {
	Deliver(ctx context.Context, msg *transfer.Message) error
	Close() error
}

// TransferSender proposes escrow contract creation. Implemented by the
// orchestrator; the bridge uses it for the degraded sentinel path.
type TransferSender interface {
	Send(ctx context.Context, t *transfer.Transfer) error
}

// Bridge routes outgoing messages and surfaces incoming ones as events.
type Bridge struct {
	identity *session.Identity
	bus      *events.Bus
	sender   TransferSender
	logger   *slog.Logger
	expiry   time.Duration

	mu       sync.RWMutex
	channels map[string]Channel
}

// Option configures the bridge.
type Option func(*Bridge)

// WithMessageExpiry overrides the sentinel transfer timelock.
func WithMessageExpiry(d time.Duration) Option {
	return func(b *Bridge) {
		b.expiry = d
	}
}

// New creates a messaging bridge.
func New(identity *session.Identity, bus *events.Bus, sender TransferSender, logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		identity: identity,
		bus:      bus,
		sender:   sender,
		logger:   logger,
		expiry:   DefaultMessageExpiry,
		channels: make(map[string]Channel),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterChannel installs a direct channel for the destination address,
// replacing and closing any existing one.
func (b *Bridge) RegisterChannel(addr string, ch Channel) {
	key := strings.ToLower(addr)
	b.mu.Lock()
	old := b.channels[key]
	b.channels[key] = ch
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// UnregisterChannel removes and closes the direct channel for addr.
func (b *Bridge) UnregisterChannel(addr string) {
	key := strings.ToLower(addr)
	b.mu.Lock()
	ch := b.channels[key]
	delete(b.channels, key)
	b.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Send delivers a message to msg.To. With a registered channel the
// delivery is synchronous; otherwise the message travels as a 1-unit
// transfer conditioned on the unfulfillable sentinel, and the receiver's
// reconciler redirects it to incoming_message. Both paths emit
// outgoing_message on success.
func (b *Bridge) Send(ctx context.Context, msg *transfer.Message) error {
	if msg.ID == "" {
		msg.ID = idgen.WithPrefix("msg_")
	}
	if msg.From == "" {
		msg.From = b.identity.Address
	}
	if msg.To == "" {
		return fmt.Errorf("message destination required")
	}

	b.mu.RLock()
	ch := b.channels[strings.ToLower(msg.To)]
	b.mu.RUnlock()

	if ch != nil {
		if err := ch.Deliver(ctx, msg); err != nil {
			return fmt.Errorf("deliver message %s: %w", msg.ID, err)
		}
		metrics.MessagesTotal.WithLabelValues("direct").Inc()
		b.bus.Emit(events.Event{Type: events.OutgoingMessage, Message: msg})
		return nil
	}

	t := &transfer.Transfer{
		ID:                 msg.ID,
		From:               msg.From,
		To:                 msg.To,
		Amount:             1,
		ExecutionCondition: transfer.MessageCondition,
		Custom:             msg.Data,
		ExpiresAt:          time.Now().Add(b.expiry),
	}
	if err := b.sender.Send(ctx, t); err != nil {
		return fmt.Errorf("send disguised message %s: %w", msg.ID, err)
	}
	metrics.MessagesTotal.WithLabelValues("sentinel").Inc()
	b.logger.Debug("message sent as sentinel transfer", "messageId", msg.ID, "to", msg.To)
	b.bus.Emit(events.Event{Type: events.OutgoingMessage, Message: msg})
	return nil
}

// DeliverIncoming surfaces a message that arrived through either path as
// an incoming_message event. Called by the reconciler for sentinel
// transfers and by direct channel listeners.
func (b *Bridge) DeliverIncoming(ctx context.Context, msg *transfer.Message) {
	metrics.MessagesTotal.WithLabelValues("incoming").Inc()
	b.bus.Emit(events.Event{Type: events.IncomingMessage, Message: msg})
}

// Shutdown closes every registered channel.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, ch := range b.channels {
		if err := ch.Close(); err != nil {
			b.logger.Warn("failed to close message channel", "addr", addr, "error", err)
		}
		delete(b.channels, addr)
	}
}
