// Package asset holds the core data model shared by the manager and
// the gateway: assets, attributes and the events that describe changes
// to them (spec §3).
package asset

import (
	"encoding/base32"
	"time"

	"github.com/google/uuid"
)

// ValueType enumerates the attribute value kinds the protocol knows
// about. The set mirrors the teacher's wire-visible enums rather than
// an open string, so the codec can validate incoming JSON.
type ValueType string

const (
	ValueBoolean  ValueType = "boolean"
	ValueNumber   ValueType = "number"
	ValueString   ValueType = "string"
	ValueGeoPoint ValueType = "geo_point"
	ValueObject   ValueType = "object"
)

// Type enumerates known asset types. GatewayType is the distinguished
// type carrying connector credentials (spec §3 "Gateway asset").
type Type string

const (
	GatewayType Type = "gateway"
	AgentType   Type = "agent"
	ThingType   Type = "thing"
)

// GatewayStatus is the lifecycle status stamped on a gateway asset
// (spec §3, §4.4).
type GatewayStatus string

const (
	StatusDisconnected GatewayStatus = "DISCONNECTED"
	StatusConnecting   GatewayStatus = "CONNECTING"
	StatusSyncing       GatewayStatus = "SYNCING"
	StatusConnected    GatewayStatus = "CONNECTED"
	StatusDisabled     GatewayStatus = "DISABLED"
	StatusError        GatewayStatus = "ERROR"
)

// MetaItem is one entry of an attribute's meta map, e.g. AGENT_LINK,
// READ_ONLY, ACCESS_PUBLIC_READ, UNIT_TYPE.
type MetaItem struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value,omitempty"`
}

const (
	MetaAgentLink        = "AGENT_LINK"
	MetaReadOnly         = "READ_ONLY"
	MetaAccessPublicRead = "ACCESS_PUBLIC_READ"
	MetaUnitType         = "UNIT_TYPE"
)

// Attribute is a named, typed value on an asset with metadata (spec
// §3).
type Attribute struct {
	Name      string                 `json:"name"`
	ValueType ValueType              `json:"type"`
	Value     interface{}            `json:"value,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by callers: the
// Meta map is copied, while Value and the meta values are treated as
// immutable once set and are shared, matching the copy-on-write
// discipline the reconciler relies on.
func (a Attribute) Clone() Attribute {
	out := a
	if a.Meta != nil {
		out.Meta = make(map[string]interface{}, len(a.Meta))
		for k, v := range a.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// Asset is a node in the rooted forest of a realm (spec §3). Id is a
// 22-char high-entropy opaque string; see internal/idmap for the
// gateway mirroring scheme built on top of it.
type Asset struct {
	ID         string               `json:"id"`
	Version    int64                `json:"version"`
	Name       string               `json:"name"`
	Type       Type                 `json:"type"`
	ParentID   string               `json:"parentId,omitempty"`
	Realm      string               `json:"realm"`
	CreatedAt  time.Time            `json:"createdAt"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
}

// Path returns the root-to-node id list given a parent lookup function,
// rather than storing it denormalized (spec §3: "path — derivable").
func Path(id string, parentOf func(id string) (string, bool)) []string {
	var path []string
	for cur := id; cur != ""; {
		path = append([]string{cur}, path...)
		parent, ok := parentOf(cur)
		if !ok {
			break
		}
		cur = parent
	}
	return path
}

// Clone returns a deep copy of the asset, including its attribute map,
// so the reconciler and store can hand out safe-to-mutate snapshots.
func (a Asset) Clone() Asset {
	out := a
	if a.Attributes != nil {
		out.Attributes = make(map[string]Attribute, len(a.Attributes))
		for k, v := range a.Attributes {
			out.Attributes[k] = v.Clone()
		}
	}
	return out
}

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a fresh 22-char high-entropy opaque id for a
// newly-created asset (spec §3), truncating a random UUIDv4 through
// the same base32 alphabet internal/idmap uses for mirrored ids so the
// two families of ids are visually indistinguishable on the wire.
func NewID() string {
	u := uuid.New()
	return idEncoding.EncodeToString(u[:])[:22]
}

// Ref addresses a single attribute (spec §3 AttributeRef).
type Ref struct {
	AssetID       string `json:"assetId"`
	AttributeName string `json:"attributeName"`
}
