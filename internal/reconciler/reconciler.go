// Package reconciler applies the set-difference of a gateway's
// reported inventory against the manager's mirrored subtree, in
// parent-before-child order for creation and child-before-parent order
// for deletion (spec §4.4, §4.6).
package reconciler

import (
	"errors"
	"reflect"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/idmap"
	"github.com/coreiot/gatewaysync/internal/store"
)

// Reconciler is the only component allowed to set the parent edge of a
// mirrored asset (spec §4.6). It is a thin, pure-function-shaped
// wrapper around a store.Store and an idmap.Mapper: given incoming
// gateway-local assets it computes and applies the corresponding
// mirror mutations.
type Reconciler struct {
	st  store.Store
	ids *idmap.Mapper
}

// New returns a Reconciler writing into st and translating ids with
// ids.
func New(st store.Store, ids *idmap.Mapper) *Reconciler {
	return &Reconciler{st: st, ids: ids}
}

// MirroredIDs returns the set of local ids currently mirrored under
// gatewayID, derived by unmapping every mirrored asset's id (spec
// §4.4 step 1, "C").
func (r *Reconciler) MirroredIDs(realm, gatewayID string) (map[string]struct{}, error) {
	mirrored, err := r.st.Query(realm, asset.Query{Parents: []string{gatewayID}, Recursive: true, Select: asset.Select{ExcludeAttributes: true}})
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(mirrored))
	for _, m := range mirrored {
		if local, ok := r.ids.UnmapID(gatewayID, m.ID); ok {
			out[local] = struct{}{}
		}
	}
	return out, nil
}

// ApplyDeletions removes every mirrored asset whose local id is in
// localIDs, children-first, so a parent outlives its children during
// removal (spec §4.4 step 2, "Tie-breaks": child precedes parent in
// deletion ordering).
func (r *Reconciler) ApplyDeletions(realm, gatewayID string, localIDs map[string]struct{}) error {
	mirrorIDs := make([]string, 0, len(localIDs))
	for local := range localIDs {
		mirrorIDs = append(mirrorIDs, r.ids.MapID(gatewayID, local))
	}

	order, err := r.topoSortForDeletion(realm, mirrorIDs)
	if err != nil {
		return err
	}
	for _, id := range order {
		if err := r.st.Delete(realm, id); err != nil {
			log.WithError(err).WithField("assetId", id).Warn("reconciler: delete failed, continuing batch")
		}
	}
	return nil
}

// topoSortForDeletion orders ids so that every id appears after all of
// its mirrored descendants that are also in the set.
func (r *Reconciler) topoSortForDeletion(realm string, ids []string) ([]string, error) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	var order []string
	visited := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		children, err := r.st.Children(realm, id)
		if err == nil {
			for _, c := range children {
				if _, inSet := set[c.ID]; inSet {
					visit(c.ID)
				}
			}
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return order, nil
}

// Apply creates or updates the mirror for a batch of gateway-reported
// assets. Assets whose parent is also in this batch but not yet
// materialized are queued and retried once their parent lands (spec
// §4.4 step 4: parent-before-child ordering enforced by a topological
// sort within the batch).
//
// incomingAssets must already have realm, parentID and IDs expressed
// in gateway-local terms; Apply performs the id/realm/parent
// translation to mirror terms.
func (r *Reconciler) Apply(realm, gatewayID string, incomingAssets []asset.Asset) []error {
	byLocalID := make(map[string]asset.Asset, len(incomingAssets))
	for _, a := range incomingAssets {
		byLocalID[a.ID] = a
	}

	var errs []error
	pending := make(map[string]asset.Asset, len(incomingAssets))
	for k, v := range byLocalID {
		pending[k] = v
	}

	// Repeatedly sweep pending, applying any whose parent is either
	// outside this batch (already mirrored, or the gateway root) or
	// already applied this round.
	applied := make(map[string]struct{})
	for len(pending) > 0 {
		progressed := false
		for localID, a := range pending {
			if a.ParentID != "" {
				if _, inBatch := byLocalID[a.ParentID]; inBatch {
					if _, done := applied[a.ParentID]; !done {
						continue // parent still pending, try again next sweep
					}
				}
			}
			if err := r.applyOne(realm, gatewayID, a); err != nil {
				errs = append(errs, err)
			}
			applied[localID] = struct{}{}
			delete(pending, localID)
			progressed = true
		}
		if !progressed {
			// Remaining entries form a cycle or reference a parent that
			// will never resolve within this batch; apply them directly
			// under the gateway root rather than dropping them silently.
			for localID, a := range pending {
				log.WithField("assetId", localID).Warn("reconciler: parent never resolved in batch, applying under gateway root")
				a.ParentID = ""
				if err := r.applyOne(realm, gatewayID, a); err != nil {
					errs = append(errs, err)
				}
				delete(pending, localID)
			}
		}
	}
	return errs
}

func (r *Reconciler) applyOne(realm, gatewayID string, local asset.Asset) error {
	mirrored := local.Clone()
	mirrored.ID = r.ids.MapID(gatewayID, local.ID)
	mirrored.Realm = realm // never trust the gateway's realm, spec §4.4 tie-break
	if local.ParentID == "" {
		mirrored.ParentID = gatewayID
	} else {
		mirrored.ParentID = r.ids.MapID(gatewayID, local.ParentID)
	}

	existing, err := r.st.Get(realm, mirrored.ID)
	if errors.Is(err, store.ErrNotFound) {
		_, err := r.st.Create(mirrored)
		return err
	}
	if err != nil {
		return err
	}

	// Reject lower versions (spec §4.4 steady-state rule, and §9 open
	// question: mid-sync update resolved by overwrite-by-version).
	if local.Version != 0 && local.Version < existing.Version {
		log.WithField("assetId", mirrored.ID).Warn("reconciler: rejecting stale version")
		return gwerrors.New(gwerrors.VersionConflict, "incoming version older than mirrored version")
	}

	if unchanged(mirrored, existing) {
		return nil // reconciliation is idempotent: no-op on a re-applied index (spec §8)
	}

	_, err = r.st.Update(mirrored, existing.Version)
	return err
}

// unchanged reports whether incoming carries the same content as
// existing, ignoring Version (existing's is authoritative and
// incoming's is not meaningfully comparable across a re-sync).
func unchanged(incoming, existing asset.Asset) bool {
	a, b := incoming, existing
	a.Version, b.Version = 0, 0
	return reflect.DeepEqual(a, b)
}

// ApplyOne is exported for the steady-state CREATE/UPDATE path
// (spec §4.4), where a single asset event (not a sync batch) arrives.
// A CREATE for an id already present is treated as UPDATE; an UPDATE
// for an id not present is treated as CREATE with a warning (spec §4.4
// tie-breaks).
func (r *Reconciler) ApplyOne(realm, gatewayID string, local asset.Asset, cause asset.Cause) error {
	mirrorID := r.ids.MapID(gatewayID, local.ID)
	_, err := r.st.Get(realm, mirrorID)
	exists := err == nil
	if cause == asset.CauseUpdate && !exists {
		log.WithField("assetId", local.ID).Warn("reconciler: UPDATE for unknown asset, treating as CREATE")
	}
	if cause == asset.CauseCreate && exists {
		log.WithField("assetId", local.ID).Debug("reconciler: CREATE for existing asset, treating as UPDATE")
	}
	return r.applyOne(realm, gatewayID, local)
}

// Delete removes the single mirrored asset for localID under
// gatewayID. A delete for an absent id is a no-op (spec §4.4
// tie-break).
func (r *Reconciler) Delete(realm, gatewayID, localID string) error {
	mirrorID := r.ids.MapID(gatewayID, localID)
	return r.st.Delete(realm, mirrorID)
}
