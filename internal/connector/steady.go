package connector

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/channel"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/proto"
	"github.com/coreiot/gatewaysync/internal/store"
)

// readLoop consumes frames from ch until it closes or a protocol
// violation is observed, dispatching each to the right handler (spec
// §4.4 steady state, §4.2 codec rules).
func (c *Connector) readLoop(ch *channel.Channel) error {
	for {
		raw, err := ch.Recv()
		if err != nil {
			c.handleChannelError(err)
			return err
		}

		frame, err := proto.Decode(raw)
		if err != nil {
			var gwErr *gwerrors.Error
			if errors.As(err, &gwErr) && gwErr.Kind == gwerrors.ProtocolViolation {
				log.WithError(err).WithField("gatewayId", c.cfg.GatewayID).Error("connector: protocol violation, closing channel")
				c.setStatus(asset.StatusError)
				_ = ch.Close()
				c.mu.Lock()
				if c.corr != nil {
					c.corr.CancelAll()
				}
				c.ch = nil
				c.mu.Unlock()
				c.metrics.setPending(0)
				return err
			}
			log.WithError(err).Warn("connector: dropping undecodable frame")
			continue
		}
		if frame == nil {
			continue // unknown discriminator, already logged by the codec
		}

		if frame.Envelope != nil {
			if !c.corr.Resolve(frame.Envelope.MessageID, frame.Envelope.Event) {
				log.WithField("messageId", frame.Envelope.MessageID).Debug("connector: unsolicited or late envelope reply")
			}
			continue
		}

		c.handleEvent(*frame.Event)
	}
}

func (c *Connector) handleEvent(ev proto.SharedEvent) {
	switch ev.Type {
	case proto.EventAsset:
		c.handleAssetEvent(*ev.Asset)
	case proto.EventAttribute:
		c.handleAttributeEvent(*ev.Attribute)
	case proto.EventGatewayDisconnect:
		log.WithField("gatewayId", c.cfg.GatewayID).Infof("connector: peer announced disconnect: %s", ev.Disconnect.Reason)
		c.mu.Lock()
		ch := c.ch
		c.ch = nil
		c.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
	default:
		log.WithField("eventType", ev.Type).Debug("connector: ignoring event type not relevant to sync protocol")
	}
}

// handleAssetEvent applies an inbound CREATE/UPDATE/DELETE, routing
// through the mid-sync path first (spec §4.4 step 5) and falling back
// to the steady-state reconcile otherwise.
func (c *Connector) handleAssetEvent(ev asset.AssetEvent) {
	if c.handleMidSyncMutation(ev) {
		return
	}

	switch ev.Cause {
	case asset.CauseCreate, asset.CauseUpdate:
		if err := c.recon.ApplyOne(c.cfg.Realm, c.cfg.GatewayID, ev.Asset, ev.Cause); err != nil {
			log.WithError(err).WithField("gatewayId", c.cfg.GatewayID).Warn("connector: failed to apply inbound asset event")
			return
		}
	case asset.CauseDelete:
		if err := c.recon.Delete(c.cfg.Realm, c.cfg.GatewayID, ev.Asset.ID); err != nil {
			log.WithError(err).WithField("gatewayId", c.cfg.GatewayID).Warn("connector: failed to apply inbound delete")
			return
		}
	}
	if c.bus != nil {
		c.bus.PublishAsset(ev)
	}
}

// handleAttributeEvent rewrites the asset id to its mirrored form,
// stamps the source as GATEWAY, and publishes to the local event bus
// (spec §4.4 steady state).
func (c *Connector) handleAttributeEvent(ev asset.AttributeEvent) {
	mirrorID := c.ids.MapID(c.cfg.GatewayID, ev.Ref.AssetID)
	ev.Ref.AssetID = mirrorID
	ev.Source = asset.SourceGateway
	ev.Realm = c.cfg.Realm

	if err := c.st.SetAttributeValue(c.cfg.Realm, mirrorID, ev); err != nil {
		log.WithError(err).WithField("assetId", mirrorID).Warn("connector: failed to apply inbound attribute event")
		return
	}
	if c.bus != nil {
		c.bus.PublishAttribute(ev)
	}
}

// ForwardAttributeWrite sends a local write targeting a mirrored
// attribute back to the gateway as an AttributeEvent frame, rewriting
// the asset id to its gateway-local form. It does NOT apply the write
// locally: the gateway's echo, once it arrives via handleAttributeEvent,
// is what actually updates the mirror (spec §4.4 steady state).
func (c *Connector) ForwardAttributeWrite(mirrorAssetID string, ev asset.AttributeEvent) error {
	if !c.Connected() {
		return gwerrors.New(gwerrors.GatewayNotConnected, "gateway "+c.cfg.GatewayID+" is not connected")
	}
	localID, ok := c.ids.UnmapID(c.cfg.GatewayID, mirrorAssetID)
	if !ok {
		return gwerrors.New(gwerrors.UnsupportedOperation, "asset is not a mirrored descendant of this gateway")
	}
	ev.Ref.AssetID = localID
	return c.sendEvent(proto.NewAttributeEvent(ev))
}

// ForwardAssetMutation forwards a local create/update/delete targeting
// a mirrored asset as a REQUEST-RESPONSE envelope, blocking until the
// gateway confirms, then applies the gateway's echoed AssetEvent to
// the mirror (spec §4.4 steady state).
func (c *Connector) ForwardAssetMutation(cause asset.Cause, mirrorAsset asset.Asset) (asset.Asset, error) {
	if !c.Connected() {
		return asset.Asset{}, gwerrors.New(gwerrors.GatewayNotConnected, "gateway "+c.cfg.GatewayID+" is not connected")
	}

	local := mirrorAsset.Clone()
	if mirrorAsset.ID != "" {
		localID, ok := c.ids.UnmapID(c.cfg.GatewayID, mirrorAsset.ID)
		if !ok {
			return asset.Asset{}, gwerrors.New(gwerrors.UnsupportedOperation, "asset is not a mirrored descendant of this gateway")
		}
		local.ID = localID
	}
	if mirrorAsset.ParentID != "" && mirrorAsset.ParentID != c.cfg.GatewayID {
		if localParent, ok := c.ids.UnmapID(c.cfg.GatewayID, mirrorAsset.ParentID); ok {
			local.ParentID = localParent
		}
	} else {
		local.ParentID = ""
	}

	resp, err := c.corr.Send(proto.NewAssetEvent(asset.AssetEvent{Cause: cause, Asset: local}), c.cfg.Timeouts.WriteForward)
	c.metrics.setPending(c.corr.Pending())
	if err != nil {
		return asset.Asset{}, err
	}
	if resp.Asset == nil {
		return asset.Asset{}, gwerrors.New(gwerrors.ProtocolViolation, "write-forward reply missing asset payload")
	}

	echoed := *resp.Asset
	if echoed.Cause == asset.CauseDelete {
		if err := c.recon.Delete(c.cfg.Realm, c.cfg.GatewayID, echoed.Asset.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return asset.Asset{}, err
		}
		return asset.Asset{}, nil
	}
	if err := c.recon.ApplyOne(c.cfg.Realm, c.cfg.GatewayID, echoed.Asset, echoed.Cause); err != nil {
		return asset.Asset{}, err
	}
	return c.st.Get(c.cfg.Realm, c.ids.MapID(c.cfg.GatewayID, echoed.Asset.ID))
}
