package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/auth"
	"github.com/coreiot/gatewaysync/internal/connector"
	"github.com/coreiot/gatewaysync/internal/eventbus"
	"github.com/coreiot/gatewaysync/internal/gatewayconn"
	"github.com/coreiot/gatewaysync/internal/idmap"
	"github.com/coreiot/gatewaysync/internal/router"
	"github.com/coreiot/gatewaysync/internal/store"
)

func TestCreateAssetUnderNonMirroredParentSucceeds(t *testing.T) {
	st := store.NewMemory()
	r := router.New(st, connector.NewRegistry())
	svc := gatewayconn.NewService(st)
	srv := httptest.NewServer(NewServer(svc, r))
	defer srv.Close()

	body, _ := json.Marshal(createAssetRequest{Realm: "realmA", Asset: asset.Asset{ID: asset.NewID(), Name: "lamp", Type: asset.ThingType}})
	resp, err := http.Post(srv.URL+"/assets", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCreateAssetUnderMirroredParentWithoutConnectorReturns409(t *testing.T) {
	st := store.NewMemory()
	gw, err := st.Create(asset.Asset{ID: asset.NewID(), Realm: "realmA", Type: asset.GatewayType})
	require.NoError(t, err)

	r := router.New(st, connector.NewRegistry())
	svc := gatewayconn.NewService(st)
	srv := httptest.NewServer(NewServer(svc, r))
	defer srv.Close()

	body, _ := json.Marshal(createAssetRequest{Realm: "realmA", ParentID: gw.ID, Asset: asset.Asset{ID: asset.NewID(), Name: "room", Type: asset.ThingType}})
	resp, err := http.Post(srv.URL+"/assets", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConnectionsCRUD(t *testing.T) {
	st := store.NewMemory()
	r := router.New(st, connector.NewRegistry())
	svc := gatewayconn.NewService(st)
	srv := httptest.NewServer(NewServer(svc, r))
	defer srv.Close()

	body, _ := json.Marshal(gatewayconn.Connection{Host: "127.0.0.1:1", ClientID: "c1", ClientSecret: "s1"})
	resp, err := http.Post(srv.URL+"/gateway/realmA/connections", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/gateway/realmA/connections")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var conns []gatewayconn.Connection
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&conns))
	assert.Len(t, conns, 1)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/gateway/realmA/connections/x", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestCreateGatewayProvisionsCredentialsAndConnector(t *testing.T) {
	st := store.NewMemory()
	registry := connector.NewRegistry()
	issuer := auth.NewTokenIssuer()
	r := router.New(st, registry)
	svc := gatewayconn.NewService(st)
	srv := httptest.NewServer(NewServer(svc, r).
		WithInboundProvisioning(st, idmap.New([]byte("k")), eventbus.NewInMemory(), issuer, registry))
	defer srv.Close()

	body, _ := json.Marshal(createGatewayRequest{Realm: "realmA", Name: "site-1"})
	resp, err := http.Post(srv.URL+"/gateways", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out createGatewayResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, out.GatewayID, out.ClientID)

	_, ok := registry.Lookup(out.GatewayID)
	assert.True(t, ok)

	_, err = issuer.Issue(out.ClientID, out.ClientSecret)
	assert.NoError(t, err)
}

func TestDeleteGatewayTearsDownAndRevokesCredentials(t *testing.T) {
	st := store.NewMemory()
	registry := connector.NewRegistry()
	issuer := auth.NewTokenIssuer()
	r := router.New(st, registry)
	svc := gatewayconn.NewService(st)
	srv := httptest.NewServer(NewServer(svc, r).
		WithInboundProvisioning(st, idmap.New([]byte("k")), eventbus.NewInMemory(), issuer, registry))
	defer srv.Close()

	body, _ := json.Marshal(createGatewayRequest{Realm: "realmA", Name: "site-1"})
	resp, err := http.Post(srv.URL+"/gateways", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created createGatewayResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/gateways/realmA/"+created.GatewayID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	_, ok := registry.Lookup(created.GatewayID)
	assert.False(t, ok)

	_, err = issuer.Issue(created.ClientID, created.ClientSecret)
	assert.Error(t, err)

	_, err = st.Get("realmA", created.GatewayID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
