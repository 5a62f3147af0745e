// Package gatewayclient is the gateway side of the sync protocol (spec
// §4.5): the mirror image of internal/connector. It dials the
// manager's channel endpoint, serves inventory requests out of its own
// local asset store, forwards locally-originated events, applies
// write-through requests from the manager and echoes the result back,
// and reconnects with exponential backoff on any failure.
package gatewayclient

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/auth"
	"github.com/coreiot/gatewaysync/internal/backoff"
	"github.com/coreiot/gatewaysync/internal/channel"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/proto"
	"github.com/coreiot/gatewaysync/internal/store"
)

// Config configures one Client instance.
type Config struct {
	Host             string
	Secure           bool
	Realm            string
	Creds            auth.ClientCredentials
	HandshakeTimeout time.Duration
}

// Client authenticates to a manager, serves its local inventory, and
// keeps the channel alive across reconnects (spec §4.5).
type Client struct {
	cfg Config
	st  store.Store

	mu sync.Mutex
	ch *channel.Channel
}

// New returns a Client serving assets out of st.
func New(cfg Config, st store.Store) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, st: st}
}

// Run dials and serves until stop is closed, backing off
// exponentially between failed attempts (spec §4.5: initial 2s,
// doubling, capped at 60s).
func (c *Client) Run(stop <-chan struct{}) {
	bo := backoff.New()
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := c.runOnce(stop, bo)
		if err != nil {
			log.WithError(err).WithField("realm", c.cfg.Realm).Warn("gatewayclient: connection attempt failed")
		}

		select {
		case <-stop:
			return
		case <-time.After(bo.Next()):
		}
	}
}

// runOnce dials once and serves until the channel drops or stop fires.
// bo is reset as soon as the dial succeeds, since a completed handshake
// is forward progress regardless of how long the session then lasts.
func (c *Client) runOnce(stop <-chan struct{}, bo *backoff.Backoff) error {
	token, err := c.cfg.Creds.Token()
	if err != nil {
		return gwerrors.Wrap(gwerrors.AuthFailed, "token fetch failed", err)
	}

	ch, err := channel.Dial(c.cfg.Host, c.cfg.Secure, c.cfg.Realm, token, c.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	bo.Reset()
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ch = nil
		c.mu.Unlock()
		_ = ch.Close()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- c.serve(ch) }()

	select {
	case <-stop:
		_ = ch.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (c *Client) serve(ch *channel.Channel) error {
	for {
		raw, err := ch.Recv()
		if err != nil {
			return err
		}
		frame, err := proto.Decode(raw)
		if err != nil {
			return err
		}
		if frame == nil {
			continue
		}
		if frame.Envelope != nil {
			c.handleRequest(ch, *frame.Envelope)
			continue
		}
		c.handleEvent(ch, *frame.Event)
	}
}

func (c *Client) handleRequest(ch *channel.Channel, env proto.Envelope) {
	switch env.Event.Type {
	case proto.EventReadAssets:
		c.replyReadAssets(ch, env)
	case proto.EventAsset:
		c.replyAssetMutation(ch, env)
	default:
		log.WithField("eventType", env.Event.Type).Warn("gatewayclient: unexpected request type")
	}
}

// replyReadAssets answers both the initial index request and
// subsequent batch requests by querying the local store with the
// query the manager sent verbatim (spec §4.4 steps 1-4).
func (c *Client) replyReadAssets(ch *channel.Channel, env proto.Envelope) {
	if env.Event.ReadAssets == nil {
		return
	}
	assets, err := c.st.Query(c.cfg.Realm, env.Event.ReadAssets.Query)
	if err != nil {
		log.WithError(err).Warn("gatewayclient: local query failed")
	}
	resp := proto.Envelope{MessageID: env.MessageID, Event: proto.NewReadAssetsResult(assets)}
	c.send(ch, resp)
}

// replyAssetMutation applies a write-through create/update/delete to
// the local store and echoes the result, which is what lets the
// manager apply it to the mirror (spec §4.4 steady state).
func (c *Client) replyAssetMutation(ch *channel.Channel, env proto.Envelope) {
	if env.Event.Asset == nil {
		return
	}
	req := *env.Event.Asset
	var result asset.Asset
	var err error
	switch req.Cause {
	case asset.CauseCreate:
		a := req.Asset
		if a.ID == "" {
			a.ID = asset.NewID()
		}
		a.Realm = c.cfg.Realm
		result, err = c.st.Create(a)
	case asset.CauseUpdate:
		a := req.Asset
		a.Realm = c.cfg.Realm
		result, err = c.st.Update(a, a.Version)
	case asset.CauseDelete:
		err = c.st.Delete(c.cfg.Realm, req.Asset.ID)
		result = req.Asset
	}
	if err != nil {
		log.WithError(err).WithField("assetId", req.Asset.ID).Warn("gatewayclient: write-through mutation failed")
	}

	resp := proto.Envelope{MessageID: env.MessageID, Event: proto.NewAssetEvent(asset.AssetEvent{Cause: req.Cause, Asset: result})}
	c.send(ch, resp)
}

func (c *Client) handleEvent(ch *channel.Channel, ev proto.SharedEvent) {
	switch ev.Type {
	case proto.EventAttribute:
		if ev.Attribute != nil {
			c.applyAndEchoAttribute(ch, *ev.Attribute)
		}
	case proto.EventGatewayDisconnect:
		log.WithField("realm", c.cfg.Realm).Info("gatewayclient: manager announced disconnect")
		_ = ch.Close()
	default:
		log.WithField("eventType", ev.Type).Debug("gatewayclient: ignoring event not relevant to this side")
	}
}

// applyAndEchoAttribute is the device-write half of write-through
// forwarding (spec §4.4): the manager's AttributeEvent is the command,
// applying it locally simulates the device accepting the write, and
// the echo sent back is what lets the mirror update.
func (c *Client) applyAndEchoAttribute(ch *channel.Channel, ev asset.AttributeEvent) {
	if err := c.st.SetAttributeValue(c.cfg.Realm, ev.Ref.AssetID, ev); err != nil {
		log.WithError(err).WithField("assetId", ev.Ref.AssetID).Warn("gatewayclient: failed to apply write-through attribute")
		return
	}
	echo := ev
	echo.Source = asset.SourceSensor
	raw, err := proto.EncodeEvent(proto.NewAttributeEvent(echo))
	if err != nil {
		log.WithError(err).Warn("gatewayclient: failed to encode attribute echo")
		return
	}
	if err := ch.Send(raw); err != nil {
		log.WithError(err).Warn("gatewayclient: failed to send attribute echo")
	}
}

func (c *Client) send(ch *channel.Channel, env proto.Envelope) {
	raw, err := proto.EncodeEnvelope(env)
	if err != nil {
		log.WithError(err).Warn("gatewayclient: failed to encode reply")
		return
	}
	if err := ch.Send(raw); err != nil {
		log.WithError(err).Warn("gatewayclient: failed to send reply")
	}
}

// PublishAssetEvent pushes a locally-originated create/update/delete to
// the manager as a fire-and-forget event (spec §4.5).
func (c *Client) PublishAssetEvent(ev asset.AssetEvent) error {
	ch := c.activeChannel()
	if ch == nil {
		return gwerrors.New(gwerrors.Disconnected, "gatewayclient: not connected to manager")
	}
	raw, err := proto.EncodeEvent(proto.NewAssetEvent(ev))
	if err != nil {
		return err
	}
	return ch.Send(raw)
}

// PublishAttributeEvent pushes a locally-originated attribute change
// (e.g. a sensor reading) to the manager (spec §4.4 steady state).
func (c *Client) PublishAttributeEvent(ev asset.AttributeEvent) error {
	ch := c.activeChannel()
	if ch == nil {
		return gwerrors.New(gwerrors.Disconnected, "gatewayclient: not connected to manager")
	}
	raw, err := proto.EncodeEvent(proto.NewAttributeEvent(ev))
	if err != nil {
		return err
	}
	return ch.Send(raw)
}

// Connected reports whether the channel to the manager is currently up.
func (c *Client) Connected() bool {
	return c.activeChannel() != nil
}

func (c *Client) activeChannel() *channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}
