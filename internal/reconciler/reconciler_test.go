package reconciler

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/idmap"
	"github.com/coreiot/gatewaysync/internal/store"
)

// assertMirroredAsset diffs got against want, ignoring the fields a
// mirror is expected to rewrite (Version is bumped by the store,
// CreatedAt is stamped by Create) so the diff surfaces only content
// the reconciler got wrong.
func assertMirroredAsset(t *testing.T, want, got asset.Asset) {
	t.Helper()
	want.Version, got.Version = 0, 0
	want.CreatedAt, got.CreatedAt = time.Time{}, time.Time{}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mirrored asset mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyThenMirroredIDsRoundTrips(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("k"))
	r := New(st, ids)
	const gw = "gw-0000000000000000aaaa"

	building := asset.Asset{ID: "building-aaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType}
	room := asset.Asset{ID: "room-aaaaaaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType, ParentID: building.ID}

	errs := r.Apply("realmA", gw, []asset.Asset{room, building}) // children first, parent must still resolve
	assert.Empty(t, errs)

	mirroredIDs, err := r.MirroredIDs("realmA", gw)
	require.NoError(t, err)
	assert.Contains(t, mirroredIDs, building.ID)
	assert.Contains(t, mirroredIDs, room.ID)

	mirroredRoom, err := st.Get("realmA", ids.MapID(gw, room.ID))
	require.NoError(t, err)
	assert.Equal(t, ids.MapID(gw, building.ID), mirroredRoom.ParentID)

	assertMirroredAsset(t, asset.Asset{
		ID:       ids.MapID(gw, room.ID),
		Type:     asset.ThingType,
		Realm:    "realmA",
		ParentID: ids.MapID(gw, building.ID),
	}, mirroredRoom)
}

func TestApplyIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("k"))
	r := New(st, ids)
	const gw = "gw-0000000000000000aaaa"

	batch := []asset.Asset{{ID: "thing-aaaaaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType}}
	require.Empty(t, r.Apply("realmA", gw, batch))

	mirrorID := ids.MapID(gw, batch[0].ID)
	before, err := st.Get("realmA", mirrorID)
	require.NoError(t, err)

	require.Empty(t, r.Apply("realmA", gw, batch))

	after, err := st.Get("realmA", mirrorID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version, "reapplying the same index must not mutate the store")
}

func TestApplyDeletionsRemovesChildrenBeforeParents(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("k"))
	r := New(st, ids)
	const gw = "gw-0000000000000000aaaa"

	building := asset.Asset{ID: "building-aaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType}
	room := asset.Asset{ID: "room-aaaaaaaaaaaaaaaaaa", Version: 1, Type: asset.ThingType, ParentID: building.ID}
	require.Empty(t, r.Apply("realmA", gw, []asset.Asset{building, room}))

	err := r.ApplyDeletions("realmA", gw, map[string]struct{}{building.ID: {}, room.ID: {}})
	require.NoError(t, err)

	_, err = st.Get("realmA", ids.MapID(gw, building.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Get("realmA", ids.MapID(gw, room.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyOneTreatsCreateOfExistingAsUpdate(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("k"))
	r := New(st, ids)
	const gw = "gw-0000000000000000aaaa"

	a := asset.Asset{ID: "thing-aaaaaaaaaaaaaaaaa", Version: 1, Name: "v1", Type: asset.ThingType}
	require.NoError(t, r.ApplyOne("realmA", gw, a, asset.CauseCreate))

	a.Name = "v2"
	a.Version = 2
	require.NoError(t, r.ApplyOne("realmA", gw, a, asset.CauseCreate))

	mirrored, err := st.Get("realmA", ids.MapID(gw, a.ID))
	require.NoError(t, err)
	assert.Equal(t, "v2", mirrored.Name)
}

func TestApplyOneRejectsStaleVersion(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("k"))
	r := New(st, ids)
	const gw = "gw-0000000000000000aaaa"

	a := asset.Asset{ID: "thing-aaaaaaaaaaaaaaaaa", Name: "v1", Type: asset.ThingType}
	require.NoError(t, r.ApplyOne("realmA", gw, a, asset.CauseCreate)) // stored version becomes 1

	fresh := a
	fresh.Version = 2
	fresh.Name = "fresh"
	require.NoError(t, r.ApplyOne("realmA", gw, fresh, asset.CauseUpdate)) // stored version becomes 2

	stale := a
	stale.Version = 1
	stale.Name = "stale"
	err := r.ApplyOne("realmA", gw, stale, asset.CauseUpdate)
	assert.Error(t, err)

	mirrored, err := st.Get("realmA", ids.MapID(gw, a.ID))
	require.NoError(t, err)
	assert.Equal(t, "fresh", mirrored.Name)
}

func TestDeleteOfAbsentAssetIsNoOp(t *testing.T) {
	st := store.NewMemory()
	ids := idmap.New([]byte("k"))
	r := New(st, ids)
	assert.NoError(t, r.Delete("realmA", "gw-0000000000000000aaaa", "no-such-local-id00000"))
}
