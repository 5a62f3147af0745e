package connector

import (
	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/proto"
)

// runSync performs the handshake and batched inventory sync of spec
// §4.4: it requests the gateway's index, diffs it against the current
// mirror, deletes what's gone, and fetches the rest in batches.
func (c *Connector) runSync() error {
	c.setStatus(asset.StatusSyncing)

	c.syncMu.Lock()
	c.pendingDeletes = make(map[string]struct{})
	c.syncMu.Unlock()
	defer func() {
		c.syncMu.Lock()
		c.pendingDeletes = nil
		c.syncMu.Unlock()
	}()

	indexQuery := asset.Query{
		Recursive: true,
		Select: asset.Select{
			ExcludeAttributes: true,
			ExcludePath:       true,
			ExcludeParentInfo: true,
		},
	}
	resp, err := c.corr.SendReserved(proto.MessageIDGatewayAssetRead, proto.NewReadAssetsEvent(indexQuery), c.cfg.Timeouts.BatchRead)
	c.metrics.setPending(c.corr.Pending())
	if err != nil {
		return err
	}
	if resp.ReadAssetsResult == nil {
		return protocolViolation("GATEWAY-ASSET-READ reply missing result payload")
	}

	target := make(map[string]int64, len(resp.ReadAssetsResult.Assets))
	var targetOrder []string
	for _, a := range resp.ReadAssetsResult.Assets {
		target[a.ID] = a.Version
		targetOrder = append(targetOrder, a.ID)
	}

	current, err := c.recon.MirroredIDs(c.cfg.Realm, c.cfg.GatewayID)
	if err != nil {
		return err
	}

	toDelete := make(map[string]struct{})
	for id := range current {
		if _, inTarget := target[id]; !inTarget {
			toDelete[id] = struct{}{}
		}
	}
	if len(toDelete) > 0 {
		if err := c.recon.ApplyDeletions(c.cfg.Realm, c.cfg.GatewayID, toDelete); err != nil {
			return err
		}
	}

	batchSize := c.cfg.BatchSize
	for offset := 0; offset < len(targetOrder); offset += batchSize {
		end := offset + batchSize
		if end > len(targetOrder) {
			end = len(targetOrder)
		}
		batch := c.filterPendingDeletes(targetOrder[offset:end])
		if len(batch) == 0 {
			continue
		}

		query := asset.Query{
			IDs: batch,
			Select: asset.Select{
				ExcludePath:       true,
				ExcludeParentInfo: true,
			},
		}
		resp, err := c.corr.SendReserved(proto.BatchMessageID(offset), proto.NewReadAssetsEvent(query), c.cfg.Timeouts.BatchRead)
		c.metrics.setPending(c.corr.Pending())
		if err != nil {
			return err
		}
		if resp.ReadAssetsResult == nil {
			return protocolViolation("batch reply missing result payload")
		}
		c.metrics.incBatch()

		c.syncMu.Lock()
		assets := c.excludePendingDeletesLocked(resp.ReadAssetsResult.Assets)
		errs := c.recon.Apply(c.cfg.Realm, c.cfg.GatewayID, assets)
		c.syncMu.Unlock()
		for _, e := range errs {
			log.WithError(e).WithField("gatewayId", c.cfg.GatewayID).Warn("connector: reconcile error during batch apply")
		}
	}

	mirrored, err := c.recon.MirroredIDs(c.cfg.Realm, c.cfg.GatewayID)
	if err == nil {
		c.metrics.setMirrored(len(mirrored))
	}
	return nil
}

// filterPendingDeletes drops ids that a mid-sync DELETE event has
// already removed, so the connector never issues a spurious batch
// request for an id it already knows is gone (spec §4.4 step 5).
func (c *Connector) filterPendingDeletes(ids []string) []string {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if len(c.pendingDeletes) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, deleted := c.pendingDeletes[id]; !deleted {
			out = append(out, id)
		}
	}
	return out
}

// excludePendingDeletesLocked removes assets whose id was deleted
// after the batch request was sent but before the reply arrived.
// Caller must hold syncMu.
func (c *Connector) excludePendingDeletesLocked(assets []asset.Asset) []asset.Asset {
	if len(c.pendingDeletes) == 0 {
		return assets
	}
	out := make([]asset.Asset, 0, len(assets))
	for _, a := range assets {
		if _, deleted := c.pendingDeletes[a.ID]; !deleted {
			out = append(out, a)
		}
	}
	return out
}

// handleMidSyncMutation applies a CREATE/UPDATE/DELETE that arrived
// while a batch is in flight (spec §4.4 step 5). Returns true if it
// consumed the event as a mid-sync mutation (i.e. sync is in
// progress); false means the caller should handle it as a normal
// steady-state event instead.
func (c *Connector) handleMidSyncMutation(ev asset.AssetEvent) bool {
	c.syncMu.Lock()
	syncing := c.pendingDeletes != nil
	if !syncing {
		c.syncMu.Unlock()
		return false
	}
	if ev.Cause == asset.CauseDelete {
		c.pendingDeletes[ev.Asset.ID] = struct{}{}
	}
	c.syncMu.Unlock()

	switch ev.Cause {
	case asset.CauseCreate, asset.CauseUpdate:
		if err := c.recon.ApplyOne(c.cfg.Realm, c.cfg.GatewayID, ev.Asset, ev.Cause); err != nil {
			log.WithError(err).WithField("gatewayId", c.cfg.GatewayID).Warn("connector: mid-sync apply failed")
		}
	case asset.CauseDelete:
		if err := c.recon.Delete(c.cfg.Realm, c.cfg.GatewayID, ev.Asset.ID); err != nil {
			log.WithError(err).WithField("gatewayId", c.cfg.GatewayID).Warn("connector: mid-sync delete failed")
		}
	}
	return true
}

func protocolViolation(msg string) error {
	return gwerrors.New(gwerrors.ProtocolViolation, msg)
}
