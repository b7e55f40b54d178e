// Package plugin is the public facade: a ledger plugin that a payment
// router drives through connect/disconnect, transfer operations, and
// lifecycle event subscriptions.
//
// Connect resolves the session identity and starts the reconciliation
// loop; every other operation requires a connected plugin. The plugin
// wires together the orchestrator, reconciler, and messaging bridge over
// one contract gateway and one ledger query client.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/ledgerlink/internal/events"
	"github.com/mbd888/ledgerlink/internal/gateway"
	"github.com/mbd888/ledgerlink/internal/ledger"
	"github.com/mbd888/ledgerlink/internal/messaging"
	"github.com/mbd888/ledgerlink/internal/orchestrator"
	"github.com/mbd888/ledgerlink/internal/reconciler"
	"github.com/mbd888/ledgerlink/internal/session"
	"github.com/mbd888/ledgerlink/internal/transfer"
)

// Deps are the collaborators a plugin is built over. Gateway and Query
// may be backed by the same object (the in-memory ledger) or by separate
// clients (EVM gateway plus a query node).
type Deps struct {
	Gateway gateway.ContractGateway
	Query   ledger.QueryClient
	Balance gateway.BalanceQuerier
	Cursors reconciler.CursorStore
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Config carries the identity inputs and tuning knobs.
type Config struct {
	PrivateKey    string
	AssetID       string
	Info          session.Info
	PollInterval  time.Duration
	ExpiryGrace   time.Duration
	MessageExpiry time.Duration
}

// Plugin is the ledger plugin facade.
type Plugin struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	identity  *session.Identity
	orch      *orchestrator.Orchestrator
	recon     *reconciler.Reconciler
	bridge    *messaging.Bridge
}

// New creates a disconnected plugin. Missing optional deps are defaulted.
func New(cfg Config, deps Deps) *Plugin {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Cursors == nil {
		deps.Cursors = reconciler.NewMemoryCursorStore()
	}
	return &Plugin{cfg: cfg, deps: deps, logger: deps.Logger}
}

// Events exposes the lifecycle event bus for host subscriptions. Valid
// before connect, so the host never misses early events.
func (p *Plugin) Events() *events.Bus {
	return p.deps.Bus
}

// Connect resolves the session identity, assembles the lifecycle
// components, and starts the reconciliation loop. Connecting an already
// connected plugin is a no-op.
func (p *Plugin) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	identity, err := session.Resolve(p.cfg.PrivateKey, p.cfg.AssetID, p.cfg.Info)
	if err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrConnection, err)
	}

	var orchOpts []orchestrator.Option
	if p.cfg.ExpiryGrace > 0 {
		orchOpts = append(orchOpts, orchestrator.WithExpiryGrace(p.cfg.ExpiryGrace))
	}
	orch := orchestrator.New(p.deps.Gateway, p.deps.Query, identity, p.logger, orchOpts...)

	var bridgeOpts []messaging.Option
	if p.cfg.MessageExpiry > 0 {
		bridgeOpts = append(bridgeOpts, messaging.WithMessageExpiry(p.cfg.MessageExpiry))
	}
	bridge := messaging.New(identity, p.deps.Bus, orch, p.logger, bridgeOpts...)

	var reconOpts []reconciler.Option
	if p.cfg.PollInterval > 0 {
		reconOpts = append(reconOpts, reconciler.WithInterval(p.cfg.PollInterval))
	}
	recon := reconciler.New(p.deps.Query, identity, p.deps.Bus, bridge, orch,
		p.deps.Cursors, p.logger, reconOpts...)

	if err := recon.Start(ctx); err != nil {
		orch.Shutdown()
		return fmt.Errorf("%w: start reconciler: %v", transfer.ErrConnection, err)
	}

	p.identity = identity
	p.orch = orch
	p.recon = recon
	p.bridge = bridge
	p.connected = true

	p.logger.Info("plugin connected", "address", identity.Address, "asset", identity.AssetID)
	p.deps.Bus.Emit(events.Event{Type: events.Connect})
	return nil
}

// Disconnect stops the reconciliation loop and tears down the expiry
// watchers and message channels. Disconnecting a disconnected plugin is a
// no-op.
func (p *Plugin) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}

	p.recon.Stop()
	p.orch.Shutdown()
	p.bridge.Shutdown()
	p.connected = false

	p.logger.Info("plugin disconnected", "address", p.identity.Address)
	p.deps.Bus.Emit(events.Event{Type: events.Disconnect})
	return nil
}

// IsConnected reports the local connection flag. It is not a liveness
// probe of the ledger.
func (p *Plugin) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// GetAccount returns the resolved session address.
func (p *Plugin) GetAccount() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return "", transfer.ErrNotConnected
	}
	return p.identity.Address, nil
}

// GetInfo returns the ledger description for the payment router.
func (p *Plugin) GetInfo() (session.Info, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return session.Info{}, transfer.ErrNotConnected
	}
	return p.identity.Info, nil
}

// GetBalance queries the ledger balance of the session address.
func (p *Plugin) GetBalance(ctx context.Context) (int64, error) {
	_, identity, err := p.guard()
	if err != nil {
		return 0, err
	}
	if p.deps.Balance == nil {
		return 0, fmt.Errorf("balance queries not supported by this gateway")
	}
	return p.deps.Balance.Balance(ctx, identity.Address)
}

// SendTransfer proposes an outgoing conditional transfer. Success means
// the proposal was accepted; the ledger-confirmed outcome arrives later
// as an outgoing_prepare event and eventually a closing event.
func (p *Plugin) SendTransfer(ctx context.Context, t *transfer.Transfer) error {
	orch, identity, err := p.guard()
	if err != nil {
		return err
	}
	if t.From == "" {
		t.From = identity.Address
	}
	return orch.Send(ctx, t)
}

// FulfillCondition proposes the fulfill action for an incoming transfer,
// presenting the hex-encoded preimage of its execution condition.
func (p *Plugin) FulfillCondition(ctx context.Context, id, preimage string) error {
	orch, _, err := p.guard()
	if err != nil {
		return err
	}
	return orch.Fulfill(ctx, id, preimage)
}

// RejectIncomingTransfer proposes the reject action for an incoming
// transfer. A nil reason gets a generic one.
func (p *Plugin) RejectIncomingTransfer(ctx context.Context, id string, reason *transfer.RejectionReason) error {
	orch, _, err := p.guard()
	if err != nil {
		return err
	}
	return orch.Reject(ctx, id, reason)
}

// GetFulfillment returns the preimage that closed the transfer's
// contract, or ErrNotFulfilled when it is open or closed otherwise.
func (p *Plugin) GetFulfillment(ctx context.Context, id string) (string, error) {
	orch, _, err := p.guard()
	if err != nil {
		return "", err
	}
	return orch.QueryFulfillment(ctx, id)
}

// SendMessage delivers an out-of-band message to another ledger address.
func (p *Plugin) SendMessage(ctx context.Context, msg *transfer.Message) error {
	p.mu.RLock()
	bridge, connected := p.bridge, p.connected
	p.mu.RUnlock()
	if !connected {
		return transfer.ErrNotConnected
	}
	return bridge.Send(ctx, msg)
}

// RegisterMessageChannel installs a direct channel for addr, used in
// preference to the disguised-transfer path.
func (p *Plugin) RegisterMessageChannel(addr string, ch messaging.Channel) error {
	p.mu.RLock()
	bridge, connected := p.bridge, p.connected
	p.mu.RUnlock()
	if !connected {
		return transfer.ErrNotConnected
	}
	bridge.RegisterChannel(addr, ch)
	return nil
}

func (p *Plugin) guard() (*orchestrator.Orchestrator, *session.Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, nil, transfer.ErrNotConnected
	}
	return p.orch, p.identity, nil
}
