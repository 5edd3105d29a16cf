package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqui/mqui/pkg/types"
)

var paper = types.ServerMetadata{Software: "Paper", Version: "1.21.4"}

func record(name, version string, enabled bool) types.PluginRecord {
	return types.PluginRecord{Name: name, Version: version, Enabled: enabled, Compatibility: types.CompatOK}
}

func TestEmptySnapshotBeforeBaseline(t *testing.T) {
	r := New()
	snap := r.Current()
	require.NotNil(t, snap)
	assert.Zero(t, snap.Seq)
	assert.Empty(t, snap.Plugins)
}

func TestApplyFullPublishesSortedSnapshot(t *testing.T) {
	r := New()
	snap := r.ApplyFull(paper, []types.PluginRecord{
		record("world-edit", "7.3.0", true),
		record("chest-sort", "1.2.0", true),
	})

	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, "Paper", snap.Server.Software)
	require.Len(t, snap.Plugins, 2)
	assert.Equal(t, "chest-sort", snap.Plugins[0].Name)
	assert.Equal(t, "world-edit", snap.Plugins[1].Name)
	assert.False(t, snap.Server.LastSeen.IsZero())
	assert.Same(t, snap, r.Current())
}

func TestApplyFullDeduplicatesByName(t *testing.T) {
	r := New()
	snap := r.ApplyFull(paper, []types.PluginRecord{
		record("chest-sort", "1.1.0", true),
		record("chest-sort", "1.2.0", true),
	})

	require.Len(t, snap.Plugins, 1)
	assert.Equal(t, "1.2.0", snap.Plugins[0].Version)
}

func TestUnchangedRefreshSuppressesPublish(t *testing.T) {
	r := New()
	sub := r.Subscribe()
	defer sub.Cancel()

	plugins := []types.PluginRecord{record("chest-sort", "1.2.0", true)}
	first := r.ApplyFull(paper, plugins)
	<-sub.C

	second := r.ApplyFull(paper, plugins)
	assert.Same(t, first, second)
	assert.Same(t, first, r.Current())

	select {
	case snap := <-sub.C:
		t.Fatalf("unexpected publish of seq %d", snap.Seq)
	default:
	}

	// The reserved sequence number shows up on the next real change.
	third := r.ApplyFull(paper, []types.PluginRecord{record("chest-sort", "1.3.0", true)})
	assert.Equal(t, uint64(3), third.Seq)
}

func TestDeltaBeforeBaselineRejected(t *testing.T) {
	r := New()
	_, err := r.ApplyDelta([]types.PluginChange{{Name: "chest-sort", Version: "1.0.0"}})
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestDeltaUpsertAndRemove(t *testing.T) {
	r := New()
	r.ApplyFull(paper, []types.PluginRecord{
		record("chest-sort", "1.2.0", true),
		record("world-edit", "7.3.0", true),
	})

	snap, err := r.ApplyDelta([]types.PluginChange{
		{Name: "chest-sort", Version: "1.3.0", Enabled: true, Compatibility: types.CompatOK},
		{Name: "shop-gui", Version: "2.0.0", Enabled: true, Compatibility: types.CompatOK},
		{Name: "world-edit", Removed: true},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), snap.Seq)
	require.Len(t, snap.Plugins, 2)

	cs, ok := snap.Plugin("chest-sort")
	require.True(t, ok)
	assert.Equal(t, "1.3.0", cs.Version)

	_, ok = snap.Plugin("shop-gui")
	assert.True(t, ok)

	_, ok = snap.Plugin("world-edit")
	assert.False(t, ok)
}

func TestNoOpDeltaSuppressesPublish(t *testing.T) {
	r := New()
	first := r.ApplyFull(paper, []types.PluginRecord{record("chest-sort", "1.2.0", true)})

	snap, err := r.ApplyDelta([]types.PluginChange{
		{Name: "chest-sort", Version: "1.2.0", Enabled: true, Compatibility: types.CompatOK},
	})
	require.NoError(t, err)
	assert.Same(t, first, snap)
}

func TestPublishedSnapshotIsImmutable(t *testing.T) {
	r := New()
	snap := r.ApplyFull(paper, []types.PluginRecord{record("chest-sort", "1.2.0", true)})

	_, err := r.ApplyDelta([]types.PluginChange{
		{Name: "chest-sort", Version: "1.3.0", Enabled: true, Compatibility: types.CompatOK},
	})
	require.NoError(t, err)

	// The first snapshot still describes the state at its own sequence.
	cs, ok := snap.Plugin("chest-sort")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", cs.Version)
}

func TestSubscriberCoalescesToLatest(t *testing.T) {
	r := New()
	sub := r.Subscribe()
	defer sub.Cancel()

	// Publish three snapshots without draining.
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		r.ApplyFull(paper, []types.PluginRecord{record("chest-sort", v, true)})
	}

	select {
	case snap := <-sub.C:
		assert.Equal(t, uint64(3), snap.Seq)
		cs, _ := snap.Plugin("chest-sort")
		assert.Equal(t, "1.2.0", cs.Version)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	select {
	case snap := <-sub.C:
		t.Fatalf("stale snapshot %d delivered", snap.Seq)
	default:
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	r := New()
	sub := r.Subscribe()
	sub.Cancel()

	r.ApplyFull(paper, []types.PluginRecord{record("chest-sort", "1.2.0", true)})

	select {
	case <-sub.C:
		t.Fatal("cancelled subscription received a snapshot")
	default:
	}
}

// Two consecutive full refreshes replace the plugin set wholesale: the
// second snapshot carries the updated version and the new plugin with no
// stale or duplicate entries.
func TestConsecutiveFullRefreshes(t *testing.T) {
	r := New()

	first := r.ApplyFull(paper, []types.PluginRecord{record("chest-sort", "1.2.0", true)})
	assert.Equal(t, uint64(1), first.Seq)
	require.Len(t, first.Plugins, 1)

	second := r.ApplyFull(paper, []types.PluginRecord{
		record("chest-sort", "1.3.0", true),
		record("shop-gui", "2.0.0", true),
	})
	assert.Equal(t, uint64(2), second.Seq)
	require.Len(t, second.Plugins, 2)
	cs, ok := second.Plugin("chest-sort")
	require.True(t, ok)
	assert.Equal(t, "1.3.0", cs.Version)
}

// A full refresh followed by an overlapping delta lands on the delta's state
// with consecutive sequence numbers.
func TestRefreshThenDeltaSequencing(t *testing.T) {
	r := New()

	base := r.ApplyFull(paper, []types.PluginRecord{record("chest-sort", "1.2.0", true)})
	assert.Equal(t, uint64(1), base.Seq)

	snap, err := r.ApplyDelta([]types.PluginChange{
		{Name: "chest-sort", Version: "1.3.0", Enabled: true, Compatibility: types.CompatOK},
		{Name: "shop-gui", Version: "2.0.0", Enabled: true, Compatibility: types.CompatOK},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Seq)
	require.Len(t, snap.Plugins, 2)
}
