// Package store defines the asset-store contract the rest of the
// subsystem depends on, and ships an in-memory reference
// implementation. Spec §1 treats the asset store as an external
// collaborator; this package exists so the connector, reconciler and
// router can be exercised end-to-end without a networked store.
package store

import (
	"errors"

	"github.com/coreiot/gatewaysync/internal/asset"
)

// ErrNotFound indicates no asset exists with the given id in the
// given realm.
var ErrNotFound = errors.New("asset not found")

// Store is the minimal contract the gateway synchronization subsystem
// needs from the asset store. Writers must supply the version they
// last observed; a mismatch returns gwerrors.VersionConflict so the
// caller can retry or refetch.
type Store interface {
	// Get returns the asset with id in realm.
	Get(realm, id string) (asset.Asset, error)

	// Query returns the assets matching q, scoped to realm.
	Query(realm string, q asset.Query) ([]asset.Asset, error)

	// Children returns the direct children of parentID in realm.
	Children(realm, parentID string) ([]asset.Asset, error)

	// Create inserts a new asset. The asset's Version is ignored and
	// set to 1.
	Create(a asset.Asset) (asset.Asset, error)

	// Update replaces the asset with id a.ID in a.Realm if its stored
	// version equals expectedVersion, bumping Version by one.
	// Returns gwerrors.VersionConflict otherwise.
	Update(a asset.Asset, expectedVersion int64) (asset.Asset, error)

	// Delete removes the asset with id in realm. Deleting an absent id
	// is a no-op (spec §4.4 tie-break).
	Delete(realm, id string) error

	// SetAttributeValue updates a single attribute's value/timestamp
	// without touching the rest of the asset, used by the event
	// router and gateway-echo path.
	SetAttributeValue(realm, id string, ev asset.AttributeEvent) error
}
