// Package router implements the event router (spec §4.7): on every
// local attribute write it walks the target asset's ancestor chain,
// and if that chain contains a gateway asset it diverts the write to
// that gateway's connector instead of applying it to the store
// directly. Asset create/update/delete targeting a mirrored asset is
// diverted the same way (spec §4.4 steady state, "local create/update/
// delete targeting a mirrored asset").
package router

import (
	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/connector"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/store"
)

// Router is the single place local clients go through to mutate an
// asset or attribute; it is the only component allowed to decide
// between "apply locally" and "forward to a gateway" (spec §4.7).
type Router struct {
	st   store.Store
	regs *connector.Registry
}

// New returns a Router backed by st for ancestor lookups and regs for
// dispatching to the owning connector.
func New(st store.Store, regs *connector.Registry) *Router {
	return &Router{st: st, regs: regs}
}

// gatewayAncestor walks the parent chain of id and returns the nearest
// ancestor (or id itself) whose Type is GatewayType, if any.
func (r *Router) gatewayAncestor(realm, id string) (asset.Asset, bool, error) {
	cur := id
	for depth := 0; depth < 256; depth++ { // bound against a malformed cycle
		a, err := r.st.Get(realm, cur)
		if err != nil {
			return asset.Asset{}, false, err
		}
		if a.Type == asset.GatewayType {
			return a, true, nil
		}
		if a.ParentID == "" {
			return asset.Asset{}, false, nil
		}
		cur = a.ParentID
	}
	return asset.Asset{}, false, gwerrors.New(gwerrors.ProtocolViolation, "ancestor chain exceeds maximum depth, likely cyclic")
}

// WriteAttribute applies ev to the local store, unless its target is a
// mirrored descendant of a gateway, in which case it is forwarded
// through that gateway's connector and NOT applied locally — the
// gateway's echo is what eventually updates the mirror (spec §4.4,
// §4.7).
func (r *Router) WriteAttribute(realm string, ev asset.AttributeEvent) error {
	gw, isMirrored, err := r.gatewayAncestor(realm, ev.Ref.AssetID)
	if err != nil {
		return err
	}
	if !isMirrored {
		return r.st.SetAttributeValue(realm, ev.Ref.AssetID, ev)
	}

	c, ok := r.regs.Lookup(gw.ID)
	if !ok {
		return gwerrors.New(gwerrors.GatewayNotConnected, "gateway "+gw.ID+" has no active connector")
	}
	log.WithField("gatewayId", gw.ID).WithField("assetId", ev.Ref.AssetID).Debug("router: diverting attribute write to connector")
	return c.ForwardAttributeWrite(ev.Ref.AssetID, ev)
}

// MutateAsset applies cause to mirrorAsset, forwarding through the
// owning connector if mirrorAsset (or, for a CREATE, its parent) is a
// mirrored descendant of a gateway. A non-mirrored asset is mutated
// directly and the error returned indicates whether direct mutation is
// even legal for the target realm's store.
func (r *Router) MutateAsset(realm string, cause asset.Cause, target asset.Asset) (asset.Asset, error) {
	anchor := target.ID
	if cause == asset.CauseCreate {
		anchor = target.ParentID // CREATE: the new asset is not in the store yet
	}
	if anchor == "" {
		return r.applyLocally(realm, cause, target)
	}

	gw, isMirrored, err := r.gatewayAncestor(realm, anchor)
	if err != nil {
		return asset.Asset{}, err
	}
	if !isMirrored {
		return r.applyLocally(realm, cause, target)
	}

	c, ok := r.regs.Lookup(gw.ID)
	if !ok {
		return asset.Asset{}, gwerrors.New(gwerrors.GatewayNotConnected, "gateway "+gw.ID+" has no active connector")
	}
	return c.ForwardAssetMutation(cause, target)
}

func (r *Router) applyLocally(realm string, cause asset.Cause, target asset.Asset) (asset.Asset, error) {
	switch cause {
	case asset.CauseCreate:
		return r.st.Create(target)
	case asset.CauseUpdate:
		return r.st.Update(target, target.Version)
	case asset.CauseDelete:
		return asset.Asset{}, r.st.Delete(realm, target.ID)
	default:
		return asset.Asset{}, gwerrors.New(gwerrors.UnsupportedOperation, "unknown cause")
	}
}
