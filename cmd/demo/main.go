// Command demo runs a fake server and a session against it in one process.
// It prints every published snapshot, pushes a plugin delta after a few
// seconds, and then drops the connection to show the reconnect path.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mqui/mqui/internal/fakeserver"
	"github.com/mqui/mqui/internal/session"
	"github.com/mqui/mqui/pkg/types"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv := fakeserver.New(fakeserver.Config{
		Credential: "demo-token",
		Software:   "Paper",
		Version:    "1.21.4",
		Plugins: []types.PluginRecord{
			{Name: "chest-sort", Version: "1.2.0", Enabled: true, Compatibility: types.CompatOK},
			{Name: "world-edit", Version: "7.3.0", Enabled: true, Compatibility: types.CompatOK},
			{Name: "old-economy", Version: "0.9.1", Enabled: false, Compatibility: types.CompatOutdated},
		},
	})
	if err := srv.Start("127.0.0.1:0"); err != nil {
		logger.Error("fake server failed to start", "err", err)
		os.Exit(1)
	}
	defer srv.Close()
	logger.Info("fake server listening", "addr", srv.Addr())

	sup, err := session.New(session.Config{
		Endpoint: types.Endpoint{
			Host:       "127.0.0.1",
			Port:       srv.Port(),
			Credential: "demo-token",
		},
		RefreshInterval: 5 * time.Second,
		PingInterval:    10 * time.Second,
		ClientName:      "mqui-demo",
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to build session", "err", err)
		os.Exit(1)
	}

	sub := sup.Subscribe()
	defer sub.Cancel()

	if err := sup.Start(); err != nil {
		logger.Error("failed to start session", "err", err)
		os.Exit(1)
	}
	defer sup.Stop()

	// Script some server-side activity.
	go func() {
		time.Sleep(3 * time.Second)
		logger.Info("pushing plugin delta")
		srv.PushDelta([]types.PluginChange{
			{Name: "chest-sort", Version: "1.3.0", Enabled: true, Compatibility: types.CompatOK},
			{Name: "shop-gui", Version: "2.0.0", Enabled: true, Compatibility: types.CompatOK},
		})

		time.Sleep(3 * time.Second)
		logger.Info("dropping all connections")
		srv.DropConnections()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			return
		case <-sup.Done():
			if err := sup.LastError(); err != nil {
				logger.Error("session terminated", "err", err)
			}
			return
		case err := <-sup.Errs():
			logger.Warn("session error", "err", err, "state", sup.State())
		case snap := <-sub.C:
			fmt.Printf("snapshot #%d  %s %s  plugins=%d\n",
				snap.Seq, snap.Server.Software, snap.Server.Version, len(snap.Plugins))
			for _, p := range snap.Plugins {
				fmt.Printf("  %-16s %-8s enabled=%-5v %s\n",
					p.Name, p.Version, p.Enabled, p.Compatibility)
			}
		}
	}
}
