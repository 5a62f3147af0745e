package connector

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/channel"
	"github.com/coreiot/gatewaysync/internal/eventbus"
	"github.com/coreiot/gatewaysync/internal/idmap"
	"github.com/coreiot/gatewaysync/internal/proto"
	"github.com/coreiot/gatewaysync/internal/reconciler"
	"github.com/coreiot/gatewaysync/internal/store"
)

// testGateway is a hand-rolled stand-in for the gateway side of the
// channel: it answers ReadAssetsEvent requests from a fixed local
// inventory, mimicking spec §4.5 without pulling in the gatewayclient
// package (which is exercised separately).
type testGateway struct {
	conn      *gorillaws.Conn
	inventory map[string]asset.Asset // by local id
}

func dialTestGateway(t *testing.T, url string) *testGateway {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(strings.Replace(url, "http://", "ws://", 1), nil)
	require.NoError(t, err)
	return &testGateway{conn: conn, inventory: make(map[string]asset.Asset)}
}

func (g *testGateway) addAsset(a asset.Asset) {
	g.inventory[a.ID] = a
}

// serve answers requests until stop is closed or the connection drops.
// onRequest is invoked with the envelope message id right before the
// reply is written, letting tests inject mid-sync mutations.
func (g *testGateway) serve(t *testing.T, stop <-chan struct{}, onRequest func(messageID string)) {
	t.Helper()
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, data, err := g.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := proto.Decode(string(data))
		require.NoError(t, err)
		if frame == nil || frame.Envelope == nil {
			continue
		}
		if onRequest != nil {
			onRequest(frame.Envelope.MessageID)
		}

		req := frame.Envelope.Event.ReadAssets
		require.NotNil(t, req)

		var result []asset.Asset
		if len(req.Query.IDs) == 0 {
			for _, a := range g.inventory {
				result = append(result, asset.Asset{ID: a.ID, Version: a.Version})
			}
		} else {
			for _, id := range req.Query.IDs {
				if a, ok := g.inventory[id]; ok {
					result = append(result, a)
				}
			}
		}

		resp := proto.Envelope{MessageID: frame.Envelope.MessageID, Event: proto.NewReadAssetsResult(result)}
		raw, err := proto.EncodeEnvelope(resp)
		require.NoError(t, err)
		_ = g.conn.WriteMessage(gorillaws.TextMessage, []byte(raw))
	}
}

func (g *testGateway) sendAssetEvent(t *testing.T, cause asset.Cause, a asset.Asset) {
	t.Helper()
	raw, err := proto.EncodeEvent(proto.NewAssetEvent(asset.AssetEvent{Cause: cause, Asset: a}))
	require.NoError(t, err)
	require.NoError(t, g.conn.WriteMessage(gorillaws.TextMessage, []byte(raw)))
}

func buildingRoomInventory(nBuildings, roomsPerBuilding int) []asset.Asset {
	var out []asset.Asset
	for b := 0; b < nBuildings; b++ {
		buildingID := fmt.Sprintf("building-%02d-aaaaaaaaaaaa", b)
		out = append(out, asset.Asset{ID: buildingID, Version: 1, Name: fmt.Sprintf("Building %d", b), Type: asset.ThingType})
		for rm := 0; rm < roomsPerBuilding; rm++ {
			out = append(out, asset.Asset{
				ID:       fmt.Sprintf("room-%02d-%02d-aaaaaaaaaa", b, rm),
				Version:  1,
				Name:     fmt.Sprintf("Room %d-%d", b, rm),
				Type:     asset.ThingType,
				ParentID: buildingID,
			})
		}
	}
	return out
}

// startServer wires up an httptest server that upgrades /ws and hands
// the resulting channel straight to c.Connect.
func startServer(t *testing.T, c *Connector) *httptest.Server {
	t.Helper()
	var mux http.ServeMux
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ch, err := channel.Accept(w, r)
		require.NoError(t, err)
		go c.Connect(ch)
	})
	srv := httptest.NewServer(&mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectorBatchSyncMultipleBatches(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("test-key"))
	bus := eventbus.NewInMemory()
	cfg := Config{GatewayID: "gw-0000000000000000aaaa", Realm: "realmA", BatchSize: 20, Timeouts: Timeouts{BatchRead: 2 * time.Second, WriteForward: 2 * time.Second}}
	c := New(cfg, st, ids, bus)

	srv := startServer(t, c)
	gw := dialTestGateway(t, srv.URL+"/ws")
	for _, a := range buildingRoomInventory(5, 5) { // 5 buildings + 25 rooms = 30
		gw.addAsset(a)
	}

	var batchCount int
	stop := make(chan struct{})
	defer close(stop)
	go gw.serve(t, stop, func(messageID string) {
		if messageID != proto.MessageIDGatewayAssetRead {
			batchCount++
		}
	})

	require.Eventually(t, func() bool {
		return c.Status() == asset.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, batchCount, "expected ceil(30/20) = 2 batch requests")

	mirrored, err := st.Query("realmA", asset.Query{Parents: []string{cfg.GatewayID}, Recursive: true})
	require.NoError(t, err)
	assert.Len(t, mirrored, 30)
	for _, m := range mirrored {
		assert.Equal(t, "realmA", m.Realm)
	}
}

func TestConnectorMidSyncMutation(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("test-key"))
	bus := eventbus.NewInMemory()
	cfg := Config{GatewayID: "gw-midsync-aaaaaaaaaaaaaa", Realm: "realmA", BatchSize: 5, Timeouts: Timeouts{BatchRead: 3 * time.Second, WriteForward: 2 * time.Second}}
	c := New(cfg, st, ids, bus)

	srv := startServer(t, c)
	gw := dialTestGateway(t, srv.URL+"/ws")
	inventory := buildingRoomInventory(1, 9) // 1 building + 9 rooms = 10, 2 batches of 5
	toDelete := inventory[len(inventory)-1]  // last room; the index lists the inventory in map order, so either batch may hold it
	for _, a := range inventory {
		gw.addAsset(a)
	}

	stop := make(chan struct{})
	defer close(stop)
	go gw.serve(t, stop, func(messageID string) {
		if messageID == proto.BatchMessageID(0) {
			gw.sendAssetEvent(t, asset.CauseDelete, asset.Asset{ID: toDelete.ID})
			newRoom := asset.Asset{ID: "room-new-aaaaaaaaaaaaa", Version: 1, Name: "New Room", Type: asset.ThingType, ParentID: inventory[0].ID}
			gw.sendAssetEvent(t, asset.CauseCreate, newRoom)
			time.Sleep(50 * time.Millisecond)
		}
	})

	require.Eventually(t, func() bool {
		return c.Status() == asset.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	recon := reconciler.New(st, ids)
	mirroredIDs, err := recon.MirroredIDs("realmA", cfg.GatewayID)
	require.NoError(t, err)
	_, stillHasDeleted := mirroredIDs[toDelete.ID]
	assert.False(t, stillHasDeleted, "deleted room must not be in the final mirror")
	_, hasNewRoom := mirroredIDs["room-new-aaaaaaaaaaaaa"]
	assert.True(t, hasNewRoom, "room created mid-sync must be in the final mirror")
}

func TestConnectorGatewayDeletionTearsDownMirror(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("test-key"))
	bus := eventbus.NewInMemory()
	cfg := Config{GatewayID: "gw-delete-aaaaaaaaaaaaaa", Realm: "realmA"}
	c := New(cfg, st, ids, bus)

	srv := startServer(t, c)
	gw := dialTestGateway(t, srv.URL+"/ws")
	gw.addAsset(asset.Asset{ID: "thing-1-aaaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType})

	stop := make(chan struct{})
	defer close(stop)
	go gw.serve(t, stop, nil)

	require.Eventually(t, func() bool { return c.Status() == asset.StatusConnected }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Teardown())

	mirrored, err := st.Query("realmA", asset.Query{Parents: []string{cfg.GatewayID}, Recursive: true})
	require.NoError(t, err)
	assert.Empty(t, mirrored)
	assert.Equal(t, asset.StatusDisconnected, c.Status())
}

func TestRegistryShutdownRetainsMirror(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("test-key"))
	bus := eventbus.NewInMemory()
	cfg := Config{GatewayID: "gw-shutdown-aaaaaaaaaaaa", Realm: "realmA"}
	c := New(cfg, st, ids, bus)
	registry := NewRegistry()
	registry.Register(c)

	srv := startServer(t, c)
	gw := dialTestGateway(t, srv.URL+"/ws")
	gw.addAsset(asset.Asset{ID: "thing-1-aaaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType})

	stop := make(chan struct{})
	defer close(stop)
	go gw.serve(t, stop, nil)

	require.Eventually(t, func() bool { return c.Status() == asset.StatusConnected }, 2*time.Second, 10*time.Millisecond)

	registry.Shutdown()

	mirrored, err := st.Query("realmA", asset.Query{Parents: []string{cfg.GatewayID}, Recursive: true})
	require.NoError(t, err)
	assert.Len(t, mirrored, 1, "a graceful process shutdown must retain the mirrored subtree verbatim")
	assert.False(t, c.Connected())
}

func TestPendingRequestsGaugeTracksInFlightAndResetsOnDisconnect(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("test-key"))
	bus := eventbus.NewInMemory()
	cfg := Config{GatewayID: "gw-pending-aaaaaaaaaaaa", Realm: "realmA"}
	c := New(cfg, st, ids, bus)

	srv := startServer(t, c)
	gw := dialTestGateway(t, srv.URL+"/ws")
	gw.addAsset(asset.Asset{ID: "thing-1-aaaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType})

	stop := make(chan struct{})
	go gw.serve(t, stop, nil)

	require.Eventually(t, func() bool { return c.Status() == asset.StatusConnected }, 2*time.Second, 10*time.Millisecond)
	gauge := vecs.pendingRequests.WithLabelValues(cfg.GatewayID)
	assert.Equal(t, float64(0), testutil.ToFloat64(gauge), "the sync's own requests must all have resolved by the time the connector reaches CONNECTED")

	close(stop)
	_ = gw.conn.Close()
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(gauge), "gateway_pending_requests must not be left stuck nonzero after a disconnect")
}
