package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/connector"
	"github.com/coreiot/gatewaysync/internal/store"
)

func TestWriteAttributeAppliesLocallyWhenNotMirrored(t *testing.T) {
	st := store.NewMemory()
	a, err := st.Create(asset.Asset{ID: asset.NewID(), Realm: "realmA", Name: "lamp", Type: asset.ThingType})
	require.NoError(t, err)

	r := New(st, connector.NewRegistry())
	err = r.WriteAttribute("realmA", asset.AttributeEvent{Ref: asset.Ref{AssetID: a.ID, AttributeName: "on"}, Value: true})
	require.NoError(t, err)

	got, err := st.Get("realmA", a.ID)
	require.NoError(t, err)
	assert.Equal(t, true, got.Attributes["on"].Value)
}

func TestWriteAttributeOnMirroredAssetWithoutConnectorFails(t *testing.T) {
	st := store.NewMemory()
	gw, err := st.Create(asset.Asset{ID: asset.NewID(), Realm: "realmA", Name: "gw1", Type: asset.GatewayType})
	require.NoError(t, err)
	mirrored, err := st.Create(asset.Asset{ID: asset.NewID(), Realm: "realmA", Name: "room", Type: asset.ThingType, ParentID: gw.ID})
	require.NoError(t, err)

	r := New(st, connector.NewRegistry())
	err = r.WriteAttribute("realmA", asset.AttributeEvent{Ref: asset.Ref{AssetID: mirrored.ID, AttributeName: "temp"}, Value: 21.0})
	assert.Error(t, err, "no connector registered for the gateway, forwarding must fail rather than silently apply locally")
}
