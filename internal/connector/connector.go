// Package connector implements the per-gateway state machine run on
// the manager (spec §4.4): handshake, batched inventory sync,
// steady-state event forwarding, and disconnect handling.
package connector

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/channel"
	"github.com/coreiot/gatewaysync/internal/correlator"
	"github.com/coreiot/gatewaysync/internal/eventbus"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/idmap"
	"github.com/coreiot/gatewaysync/internal/proto"
	"github.com/coreiot/gatewaysync/internal/reconciler"
	"github.com/coreiot/gatewaysync/internal/store"
)

// DefaultSyncBatchSize is SYNC_ASSET_BATCH_SIZE from spec §4.4.
const DefaultSyncBatchSize = 20

// Timeouts groups the per-request deadlines of spec §5.
type Timeouts struct {
	BatchRead    time.Duration // default 10s
	WriteForward time.Duration // default 5s
}

// DefaultTimeouts returns the spec-mandated defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{BatchRead: 10 * time.Second, WriteForward: 5 * time.Second}
}

// Config parameterises one Connector instance.
type Config struct {
	GatewayID string
	Realm     string
	BatchSize int
	Timeouts  Timeouts
}

// Connector is the per-gateway state machine. One instance exists for
// the lifetime of a gateway asset (spec §4.4 "Terminal only on gateway
// deletion").
type Connector struct {
	cfg     Config
	st      store.Store
	ids     *idmap.Mapper
	recon   *reconciler.Reconciler
	bus     eventbus.Bus
	metrics *connectorMetrics

	mu       sync.RWMutex
	status   asset.GatewayStatus
	disabled bool
	ch       *channel.Channel
	corr     *correlator.Correlator

	syncMu         sync.Mutex
	pendingDeletes map[string]struct{}
}

// New constructs a Connector in the DISCONNECTED state. It does not
// open any channel; call Connect once the peer has authenticated and
// the channel is open.
func New(cfg Config, st store.Store, ids *idmap.Mapper, bus eventbus.Bus) *Connector {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultSyncBatchSize
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	c := &Connector{
		cfg:     cfg,
		st:      st,
		ids:     ids,
		recon:   reconciler.New(st, ids),
		bus:     bus,
		metrics: newConnectorMetrics(cfg.GatewayID),
		status:  asset.StatusDisconnected,
	}
	c.metrics.setStatus(statusOrdinal(string(c.status)))
	return c
}

// GatewayID returns the id of the gateway asset this connector serves.
func (c *Connector) GatewayID() string { return c.cfg.GatewayID }

// Realm returns the gateway's realm.
func (c *Connector) Realm() string { return c.cfg.Realm }

// Status returns the connector's current state.
func (c *Connector) Status() asset.GatewayStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connector) setStatus(s asset.GatewayStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.metrics.setStatus(statusOrdinal(string(s)))
	log.WithFields(log.Fields{"gatewayId": c.cfg.GatewayID, "status": s}).Info("connector: status changed")
}

// Disabled reports whether the gateway is currently disabled
// (spec §3 I5).
func (c *Connector) Disabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disabled
}

// Connected reports whether a channel is currently attached.
func (c *Connector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch != nil
}

// Connect runs the full handshake and inventory sync over ch, moving
// the connector CONNECTING -> SYNCING -> CONNECTED (spec §4.4). It
// blocks until the channel's read loop exits (disconnect, protocol
// violation, or explicit disable), so callers should run it in its own
// goroutine per connection attempt.
func (c *Connector) Connect(ch *channel.Channel) error {
	if c.Disabled() {
		return gwerrors.New(gwerrors.UnsupportedOperation, "gateway is disabled")
	}

	c.mu.Lock()
	c.ch = ch
	c.corr = correlator.New(c.sendEnvelope, time.Second)
	c.mu.Unlock()

	c.setStatus(asset.StatusConnecting)

	// The read loop runs alongside the sync so that batch replies are
	// resolved and mid-sync mutations are applied while requests are
	// in flight.
	loopErr := make(chan error, 1)
	go func() { loopErr <- c.readLoop(ch) }()

	if err := c.runSync(); err != nil {
		_ = ch.Close()
		<-loopErr
		return err
	}
	c.setStatus(asset.StatusConnected)

	return <-loopErr
}

// sendEnvelope is the correlator.Sender used by this connector: encode
// and write a REQUEST-RESPONSE frame on the current channel.
func (c *Connector) sendEnvelope(env proto.Envelope) error {
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch == nil {
		return gwerrors.New(gwerrors.Disconnected, "no channel attached")
	}
	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return ch.Send(frame)
}

// sendEvent writes a fire-and-forget EVENT frame on the current
// channel.
func (c *Connector) sendEvent(ev proto.SharedEvent) error {
	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch == nil {
		return gwerrors.New(gwerrors.Disconnected, "no channel attached")
	}
	frame, err := proto.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return ch.Send(frame)
}

func (c *Connector) handleChannelError(err error) {
	log.WithError(err).WithField("gatewayId", c.cfg.GatewayID).Warn("connector: channel error")
	c.mu.Lock()
	wasLive := c.status == asset.StatusConnected || c.status == asset.StatusSyncing
	if c.corr != nil {
		c.corr.CancelAll()
	}
	c.ch = nil
	c.mu.Unlock()
	c.metrics.setPending(0)

	if wasLive {
		c.metrics.incReconnect()
	}
	if !c.Disabled() {
		c.setStatus(asset.StatusConnecting)
	}
}

// DisconnectChannel closes the channel, cancels any in-flight requests
// and sets the status to DISCONNECTED (unless disabled), without
// touching the mirrored subtree. Safe to call with no channel attached.
// It is used on a graceful manager shutdown (Registry.Shutdown), where
// the mirror is retained verbatim, and as the first step of Teardown.
// A channel that drops on its own goes through handleChannelError
// instead, which moves the connector to CONNECTING.
func (c *Connector) DisconnectChannel() {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	if c.corr != nil {
		c.corr.CancelAll()
	}
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	c.metrics.setPending(0)
	if !c.Disabled() {
		c.setStatus(asset.StatusDisconnected)
	}
}

// Teardown detaches the channel and deletes the entire mirrored
// subtree, called on gateway asset deletion (spec §4.4). Idempotent.
func (c *Connector) Teardown() error {
	c.DisconnectChannel()

	localIDs, err := c.recon.MirroredIDs(c.cfg.Realm, c.cfg.GatewayID)
	if err != nil {
		return err
	}
	if err := c.recon.ApplyDeletions(c.cfg.Realm, c.cfg.GatewayID, localIDs); err != nil {
		return err
	}
	c.ids.Forget(c.cfg.GatewayID)
	c.metrics.unregister()
	c.setStatus(asset.StatusDisconnected)
	return nil
}

// Disable sends a gateway-disconnect event, closes the channel, and
// moves the connector to DISABLED, refusing reconnections until
// Enable is called (spec §4.4).
func (c *Connector) Disable(reason string) {
	c.mu.Lock()
	c.disabled = true
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		if frame, err := proto.EncodeEvent(proto.NewDisconnectEvent(reason)); err == nil {
			_ = ch.Send(frame)
		}
		_ = ch.Close()
	}
	c.setStatus(asset.StatusDisabled)
}

// Enable clears the disabled flag, allowing the next inbound
// connection attempt to proceed.
func (c *Connector) Enable() {
	c.mu.Lock()
	c.disabled = false
	c.mu.Unlock()
	c.setStatus(asset.StatusDisconnected)
}

// PendingRequests reports the correlator's in-flight request count, or
// 0 if no channel is attached.
func (c *Connector) PendingRequests() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.corr == nil {
		return 0
	}
	return c.corr.Pending()
}

func (c *Connector) String() string {
	return fmt.Sprintf("connector(%s)", c.cfg.GatewayID)
}
