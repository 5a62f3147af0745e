// Package proto frames typed events and request/response envelopes on
// the gateway channel (spec §4.2, §6). The wire format is deliberately
// simple text: a discriminating prefix followed by one JSON document
// per channel message.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/gwerrors"
)

const (
	prefixEvent           = "EVENT:"
	prefixRequestResponse = "REQUEST-RESPONSE:"
)

// EventType discriminates the payload of a SharedEvent (spec §6).
type EventType string

const (
	EventAttribute         EventType = "attribute"
	EventAsset             EventType = "asset"
	EventGatewayDisconnect EventType = "gateway-disconnect"
	EventReadAssets        EventType = "read-assets"
	EventReadAssetsResult  EventType = "read-assets-result"
)

// SharedEvent is the tagged-sum envelope every EVENT frame and every
// REQUEST-RESPONSE event carries. Exactly one of the payload fields is
// populated, chosen by Type; this models the dynamic dispatch of event
// subtypes with an explicit discriminator rather than a class
// registry (spec §9).
type SharedEvent struct {
	Type EventType `json:"eventType"`

	Attribute         *attributeWire `json:"-"`
	Asset             *assetWire     `json:"-"`
	Disconnect        *disconnectWire `json:"-"`
	ReadAssets        *readAssetsWire `json:"-"`
	ReadAssetsResult  *readAssetsResultWire `json:"-"`
}

// Envelope is the body of a REQUEST-RESPONSE frame (spec §4.2, §6).
type Envelope struct {
	MessageID string      `json:"messageId"`
	Event     SharedEvent `json:"event"`
}

// Reserved message ids the correlator must never hand out via Send
// (spec §4.3).
const (
	MessageIDGatewayAssetRead = "GATEWAY-ASSET-READ"
)

// BatchMessageID formats the reserved id for a batch request starting
// at firstIndex (spec §4.3, §4.4).
func BatchMessageID(firstIndex int) string {
	return fmt.Sprintf("GATEWAY-ASSET-READ-%d", firstIndex)
}

// IsReserved reports whether id is one the sync protocol owns and that
// must never be issued by the correlator's Send (spec §4.3).
func IsReserved(id string) bool {
	return id == MessageIDGatewayAssetRead || strings.HasPrefix(id, "GATEWAY-ASSET-READ-")
}

// EncodeEvent frames a fire-and-forget SharedEvent as an EVENT frame.
func EncodeEvent(ev SharedEvent) (string, error) {
	body, err := marshalEvent(ev)
	if err != nil {
		return "", err
	}
	return prefixEvent + string(body), nil
}

// EncodeEnvelope frames a request or response as a REQUEST-RESPONSE
// frame.
func EncodeEnvelope(env Envelope) (string, error) {
	body, err := marshalEnvelope(env)
	if err != nil {
		return "", err
	}
	return prefixRequestResponse + string(body), nil
}

// Frame is a decoded channel message: either a SharedEvent (Envelope
// nil) or an Envelope (Event zero-valued).
type Frame struct {
	Event    *SharedEvent
	Envelope *Envelope
}

// Decode parses one raw channel message. Unknown discriminators are
// logged and dropped (returns nil, nil); malformed frames return a
// ProtocolViolation error, which the connector treats as fatal for the
// channel (spec §4.2).
func Decode(raw string) (*Frame, error) {
	switch {
	case strings.HasPrefix(raw, prefixEvent):
		ev, err := unmarshalEvent([]byte(strings.TrimPrefix(raw, prefixEvent)))
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.ProtocolViolation, "malformed EVENT frame", err)
		}
		if ev == nil {
			return nil, nil
		}
		return &Frame{Event: ev}, nil

	case strings.HasPrefix(raw, prefixRequestResponse):
		var raw2 struct {
			MessageID string          `json:"messageId"`
			Event     json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(raw, prefixRequestResponse)), &raw2); err != nil {
			return nil, gwerrors.Wrap(gwerrors.ProtocolViolation, "malformed REQUEST-RESPONSE frame", err)
		}
		if IsReserved(raw2.MessageID) {
			// Reserved ids may only be used by the sync protocol itself;
			// encountering one on the wire is fine to decode (the connector
			// issues them). A reply under a reserved id that matches no
			// pending request is not treated as a protocol violation: the
			// connector logs it as unsolicited and drops it.
		}
		ev, err := unmarshalEvent(raw2.Event)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.ProtocolViolation, "malformed event in envelope", err)
		}
		if ev == nil {
			log.WithField("messageId", raw2.MessageID).Warn("dropping envelope with unknown event discriminator")
			return nil, nil
		}
		return &Frame{Envelope: &Envelope{MessageID: raw2.MessageID, Event: *ev}}, nil

	default:
		return nil, gwerrors.New(gwerrors.ProtocolViolation, fmt.Sprintf("unknown frame prefix in %q", truncate(raw, 32)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
