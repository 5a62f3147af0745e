package store

import (
	"sync"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
)

// realmIndex holds one realm's assets plus a parent->children index
// for fast topological operations.
type realmIndex struct {
	byID     map[string]asset.Asset
	children map[string]map[string]struct{} // parentID -> set of child ids
}

// Memory is an in-process Store keyed by realm, suitable for tests and
// for running the subsystem standalone. Safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	realms map[string]*realmIndex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{realms: make(map[string]*realmIndex)}
}

func (m *Memory) realm(name string) *realmIndex {
	r, ok := m.realms[name]
	if !ok {
		r = &realmIndex{byID: make(map[string]asset.Asset), children: make(map[string]map[string]struct{})}
		m.realms[name] = r
	}
	return r
}

func (m *Memory) Get(realm, id string) (asset.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.realms[realm]
	if !ok {
		return asset.Asset{}, ErrNotFound
	}
	a, ok := r.byID[id]
	if !ok {
		return asset.Asset{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) Query(realmName string, q asset.Query) ([]asset.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.realms[realmName]
	if !ok {
		return nil, nil
	}

	var candidates []asset.Asset
	switch {
	case len(q.IDs) > 0:
		for _, id := range q.IDs {
			if a, ok := r.byID[id]; ok {
				candidates = append(candidates, a)
			}
		}
	case len(q.Parents) > 0:
		for _, parent := range q.Parents {
			candidates = append(candidates, m.descendants(r, parent, q.Recursive)...)
		}
	default:
		for _, a := range r.byID {
			candidates = append(candidates, a)
		}
	}

	out := make([]asset.Asset, 0, len(candidates))
	for _, a := range candidates {
		out = append(out, applySelect(a.Clone(), q.Select))
	}
	return out, nil
}

func (m *Memory) descendants(r *realmIndex, parentID string, recursive bool) []asset.Asset {
	var out []asset.Asset
	for childID := range r.children[parentID] {
		child := r.byID[childID]
		out = append(out, child)
		if recursive {
			out = append(out, m.descendants(r, childID, true)...)
		}
	}
	return out
}

func applySelect(a asset.Asset, sel asset.Select) asset.Asset {
	if sel.ExcludeAttributes {
		a.Attributes = nil
	}
	// ExcludePath/ExcludeParentInfo have no denormalized fields to
	// strip in this model (Path is always derived); ParentID is
	// intentionally always kept since the reconciler needs it even
	// when the gateway requests excludeParentInfo for its own local
	// read - the flag governs what the *gateway* sends the manager,
	// not how the manager reads its own store.
	return a
}

func (m *Memory) Children(realmName, parentID string) ([]asset.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.realms[realmName]
	if !ok {
		return nil, nil
	}
	var out []asset.Asset
	for childID := range r.children[parentID] {
		out = append(out, r.byID[childID].Clone())
	}
	return out, nil
}

func (m *Memory) Create(a asset.Asset) (asset.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.realm(a.Realm)
	if _, exists := r.byID[a.ID]; exists {
		return asset.Asset{}, gwerrors.New(gwerrors.DuplicateMapping, "asset id already exists: "+a.ID)
	}
	a.Version = 1
	r.byID[a.ID] = a.Clone()
	m.link(r, a.ID, a.ParentID)
	return a.Clone(), nil
}

func (m *Memory) Update(a asset.Asset, expectedVersion int64) (asset.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.realm(a.Realm)
	existing, ok := r.byID[a.ID]
	if !ok {
		return asset.Asset{}, ErrNotFound
	}
	if existing.Version != expectedVersion {
		return asset.Asset{}, gwerrors.New(gwerrors.VersionConflict,
			"expected version does not match stored version for "+a.ID)
	}
	if existing.ParentID != a.ParentID {
		m.unlink(r, a.ID, existing.ParentID)
		m.link(r, a.ID, a.ParentID)
	}
	a.Version = existing.Version + 1
	r.byID[a.ID] = a.Clone()
	return a.Clone(), nil
}

func (m *Memory) Delete(realmName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.realms[realmName]
	if !ok {
		return nil // no-op on absent id, spec §4.4
	}
	existing, ok := r.byID[id]
	if !ok {
		return nil
	}
	m.unlink(r, id, existing.ParentID)
	delete(r.byID, id)
	delete(r.children, id)
	return nil
}

func (m *Memory) SetAttributeValue(realmName, id string, ev asset.AttributeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.realms[realmName]
	if !ok {
		return ErrNotFound
	}
	a, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	attr := a.Attributes[ev.Ref.AttributeName]
	attr.Name = ev.Ref.AttributeName
	attr.Value = ev.Value
	attr.Timestamp = ev.Timestamp
	if a.Attributes == nil {
		a.Attributes = make(map[string]asset.Attribute)
	}
	a.Attributes[ev.Ref.AttributeName] = attr
	r.byID[id] = a
	return nil
}

func (m *Memory) link(r *realmIndex, childID, parentID string) {
	if parentID == "" {
		return
	}
	set, ok := r.children[parentID]
	if !ok {
		set = make(map[string]struct{})
		r.children[parentID] = set
	}
	set[childID] = struct{}{}
}

func (m *Memory) unlink(r *realmIndex, childID, parentID string) {
	if parentID == "" {
		return
	}
	if set, ok := r.children[parentID]; ok {
		delete(set, childID)
	}
}
