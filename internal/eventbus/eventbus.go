// Package eventbus is a minimal stand-in for the system's event bus
// (spec §1, an external collaborator responsible for fan-out of
// asset/attribute change events). It exists so the router and
// connector have somewhere to publish locally-applied events during
// tests and standalone runs.
package eventbus

import "github.com/coreiot/gatewaysync/internal/asset"

// Bus publishes attribute and asset events to whatever downstream
// subscribers (rule engine, UI, datapoint storage) a real deployment
// wires in. Those subscribers are explicitly out of scope (spec §1
// Non-goals).
type Bus interface {
	PublishAttribute(ev asset.AttributeEvent)
	PublishAsset(ev asset.AssetEvent)
}

// InMemory is a small pub/sub implementation sufficient for tests and
// for running the subsystem without a real message broker.
type InMemory struct {
	attrSubs  []chan asset.AttributeEvent
	assetSubs []chan asset.AssetEvent
}

// NewInMemory returns an empty bus.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (b *InMemory) PublishAttribute(ev asset.AttributeEvent) {
	for _, ch := range b.attrSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *InMemory) PublishAsset(ev asset.AssetEvent) {
	for _, ch := range b.assetSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscribeAttributes returns a buffered channel of every attribute
// event published from now on.
func (b *InMemory) SubscribeAttributes(buf int) <-chan asset.AttributeEvent {
	ch := make(chan asset.AttributeEvent, buf)
	b.attrSubs = append(b.attrSubs, ch)
	return ch
}

// SubscribeAssets returns a buffered channel of every asset event
// published from now on.
func (b *InMemory) SubscribeAssets(buf int) <-chan asset.AssetEvent {
	ch := make(chan asset.AssetEvent, buf)
	b.assetSubs = append(b.assetSubs, ch)
	return ch
}
