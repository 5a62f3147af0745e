package proto

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
)

type attributeWire = asset.AttributeEvent
type assetWire = asset.AssetEvent
type disconnectWire = asset.DisconnectEvent
type readAssetsWire = asset.ReadAssetsEvent
type readAssetsResultWire = asset.ReadAssetsResult

// NewAttributeEvent wraps an AttributeEvent as a SharedEvent.
func NewAttributeEvent(e asset.AttributeEvent) SharedEvent {
	return SharedEvent{Type: EventAttribute, Attribute: &e}
}

// NewAssetEvent wraps an AssetEvent as a SharedEvent.
func NewAssetEvent(e asset.AssetEvent) SharedEvent {
	return SharedEvent{Type: EventAsset, Asset: &e}
}

// NewDisconnectEvent wraps a DisconnectEvent as a SharedEvent.
func NewDisconnectEvent(reason string) SharedEvent {
	return SharedEvent{Type: EventGatewayDisconnect, Disconnect: &asset.DisconnectEvent{Reason: reason}}
}

// NewReadAssetsEvent wraps a ReadAssetsEvent as a SharedEvent.
func NewReadAssetsEvent(q asset.Query) SharedEvent {
	return SharedEvent{Type: EventReadAssets, ReadAssets: &asset.ReadAssetsEvent{Query: q}}
}

// NewReadAssetsResult wraps a ReadAssetsResult as a SharedEvent,
// typically used as the payload of a Response Envelope.
func NewReadAssetsResult(assets []asset.Asset) SharedEvent {
	return SharedEvent{Type: EventReadAssetsResult, ReadAssetsResult: &asset.ReadAssetsResult{Assets: assets}}
}

// marshalEvent flattens the tagged union into {"eventType": ..., ...payload fields}.
func marshalEvent(ev SharedEvent) ([]byte, error) {
	var payload interface{}
	switch ev.Type {
	case EventAttribute:
		payload = ev.Attribute
	case EventAsset:
		payload = ev.Asset
	case EventGatewayDisconnect:
		payload = ev.Disconnect
	case EventReadAssets:
		payload = ev.ReadAssets
	case EventReadAssetsResult:
		payload = ev.ReadAssetsResult
	default:
		payload = struct{}{}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &merged); err != nil {
		return nil, err
	}
	typeBytes, err := json.Marshal(ev.Type)
	if err != nil {
		return nil, err
	}
	merged["eventType"] = typeBytes
	return json.Marshal(merged)
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	eventBytes, err := marshalEvent(env.Event)
	if err != nil {
		return nil, err
	}
	out := struct {
		MessageID string          `json:"messageId"`
		Event     json.RawMessage `json:"event"`
	}{MessageID: env.MessageID, Event: eventBytes}
	return json.Marshal(out)
}

// unmarshalEvent parses a flattened {"eventType": ..., ...} document
// into a SharedEvent. An unrecognized eventType is logged and dropped
// (returns nil, nil), per §4.2's "unknown discriminators are logged
// and dropped".
func unmarshalEvent(raw []byte) (*SharedEvent, error) {
	var disc struct {
		Type EventType `json:"eventType"`
	}
	if err := json.Unmarshal(raw, &disc); err != nil {
		return nil, err
	}

	ev := SharedEvent{Type: disc.Type}
	switch disc.Type {
	case EventAttribute:
		ev.Attribute = &attributeWire{}
		if err := json.Unmarshal(raw, ev.Attribute); err != nil {
			return nil, err
		}
	case EventAsset:
		ev.Asset = &assetWire{}
		if err := json.Unmarshal(raw, ev.Asset); err != nil {
			return nil, err
		}
	case EventGatewayDisconnect:
		ev.Disconnect = &disconnectWire{}
		if err := json.Unmarshal(raw, ev.Disconnect); err != nil {
			return nil, err
		}
	case EventReadAssets:
		ev.ReadAssets = &readAssetsWire{}
		if err := json.Unmarshal(raw, ev.ReadAssets); err != nil {
			return nil, err
		}
	case EventReadAssetsResult:
		ev.ReadAssetsResult = &readAssetsResultWire{}
		if err := json.Unmarshal(raw, ev.ReadAssetsResult); err != nil {
			return nil, err
		}
	default:
		log.WithField("eventType", disc.Type).Warn("dropping frame with unknown event discriminator")
		return nil, nil
	}
	return &ev, nil
}
