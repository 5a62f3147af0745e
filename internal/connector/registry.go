package connector

import "sync"

// Registry is the single service-scoped owner of the gatewayId ->
// *Connector map (spec §9: "global mutable state... belongs to a
// single service-scoped owner with explicit init/teardown, not process
// globals").
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]*Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]*Connector)}
}

// Register adds c, replacing any existing connector for the same
// gateway id.
func (r *Registry) Register(c *Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.GatewayID()] = c
}

// Lookup returns the connector for gatewayID, if any.
func (r *Registry) Lookup(gatewayID string) (*Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[gatewayID]
	return c, ok
}

// Unregister removes gatewayID from the registry without tearing it
// down; callers that want teardown should call Connector.Teardown
// first.
func (r *Registry) Unregister(gatewayID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connectors, gatewayID)
}

// All returns a snapshot of every registered connector.
func (r *Registry) All() []*Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	return out
}

// Shutdown disconnects every connector's channel and cancels its
// in-flight requests, used on ordinary process exit (spec §9). It
// deliberately does not call Teardown: a process restart is not a
// gateway-asset deletion, and the mirrored subtree must be retained
// verbatim (spec §4.4) across it. Callers that actually delete a
// gateway asset must call Connector.Teardown themselves (see
// internal/adminapi's gateway-deletion handler).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	connectors := make([]*Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		connectors = append(connectors, c)
	}
	r.mu.Unlock()

	for _, c := range connectors {
		c.DisconnectChannel()
	}
}
