package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqui/mqui/internal/fakeserver"
	"github.com/mqui/mqui/internal/session"
	"github.com/mqui/mqui/pkg/types"
)

// TestSessionLifecycle exercises the full stack against an in-process
// server: connect, baseline refresh, server push, user command, forced
// disconnect, reconnect, and shutdown.
func TestSessionLifecycle(t *testing.T) {
	srv := fakeserver.New(fakeserver.Config{
		Credential: "integration-token",
		Software:   "Paper",
		Version:    "1.21.4",
		Plugins: []types.PluginRecord{
			{Name: "chest-sort", Version: "1.2.0", Enabled: true, Compatibility: types.CompatOK},
			{Name: "world-edit", Version: "7.3.0", Enabled: true, Compatibility: types.CompatOK},
			{Name: "old-economy", Version: "0.9.1", Enabled: false, Compatibility: types.CompatOutdated},
		},
	})
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Close()

	sup, err := session.New(session.Config{
		Endpoint: types.Endpoint{
			Host:       "127.0.0.1",
			Port:       srv.Port(),
			Credential: "integration-token",
		},
		RefreshInterval: time.Hour,
		RequestTimeout:  2 * time.Second,
		Backoff: session.BackoffConfig{
			Initial:     10 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    100 * time.Millisecond,
			MaxAttempts: 5,
		},
		ClientName: "integration-test",
	})
	require.NoError(t, err)

	sub := sup.Subscribe()
	defer sub.Cancel()

	require.NoError(t, sup.Start())
	defer sup.Stop()

	// Phase 1: the baseline refresh publishes the fixture set.
	base := nextSnapshot(t, sub.C)
	assert.Equal(t, uint64(1), base.Seq)
	assert.Len(t, base.Plugins, 3)
	assert.Equal(t, "Paper", base.Server.Software)

	// Phase 2: a server push lands as an incremental update.
	srv.PushDelta([]types.PluginChange{
		{Name: "chest-sort", Version: "1.3.0", Enabled: true, Compatibility: types.CompatOK},
		{Name: "shop-gui", Version: "2.0.0", Enabled: true, Compatibility: types.CompatOK},
	})
	pushed := nextSnapshot(t, sub.C)
	assert.Greater(t, pushed.Seq, base.Seq)
	cs, ok := pushed.Plugin("chest-sort")
	require.True(t, ok)
	assert.Equal(t, "1.3.0", cs.Version)
	_, ok = pushed.Plugin("shop-gui")
	assert.True(t, ok)

	// Phase 3: a command round-trips and its effect comes back as a delta.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.SetPluginEnabled(ctx, "old-economy", true))

	enabled := snapshotWhere(t, sub.C, func(s *types.StateSnapshot) bool {
		p, ok := s.Plugin("old-economy")
		return ok && p.Enabled
	})
	assert.Greater(t, enabled.Seq, pushed.Seq)

	// Phase 4: the server drops every link; the session reconnects on its
	// own and the next baseline reflects state changed while it was away.
	srv.SetPlugins([]types.PluginRecord{
		{Name: "chest-sort", Version: "2.0.0", Enabled: true, Compatibility: types.CompatOK},
	})
	srv.DropConnections()

	recovered := snapshotWhere(t, sub.C, func(s *types.StateSnapshot) bool {
		return len(s.Plugins) == 1
	})
	p, ok := recovered.Plugin("chest-sort")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", p.Version)
	waitLive(t, sup)

	// Phase 5: clean shutdown.
	sup.Stop()
	<-sup.Done()
	assert.Equal(t, types.StateDisconnected, sup.State())
}

// TestSessionGoesFatalWhenServerStaysDown verifies the attempt budget is
// honored end to end when nothing is listening.
func TestSessionGoesFatalWhenServerStaysDown(t *testing.T) {
	srv := fakeserver.New(fakeserver.Config{})
	require.NoError(t, srv.Start("127.0.0.1:0"))
	port := srv.Port()
	srv.Close()

	sup, err := session.New(session.Config{
		Endpoint:       types.Endpoint{Host: "127.0.0.1", Port: port},
		RequestTimeout: time.Second,
		Backoff: session.BackoffConfig{
			Initial:     5 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    20 * time.Millisecond,
			MaxAttempts: 3,
		},
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	defer sup.Stop()

	select {
	case <-sup.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session never went terminal")
	}
	assert.Equal(t, types.StateFatal, sup.State())
	assert.ErrorIs(t, sup.LastError(), session.ErrMaxAttempts)
}

func nextSnapshot(t *testing.T, ch <-chan *types.StateSnapshot) *types.StateSnapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot published")
		return nil
	}
}

func snapshotWhere(t *testing.T, ch <-chan *types.StateSnapshot, ok func(*types.StateSnapshot) bool) *types.StateSnapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("expected snapshot never published")
			return nil
		}
	}
}

func waitLive(t *testing.T, sup *session.Supervisor) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if sup.State() == types.StateLive {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session never went live, state %s, err %v", sup.State(), sup.LastError())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
