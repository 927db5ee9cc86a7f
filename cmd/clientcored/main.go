// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command clientcored is a small demonstration host that wires a
// SlidingSyncEngine and a KeyRequestManager against a single
// homeserver connection, the way dendrite's contrib/dendrite-demo-*
// commands wire a full server out of its component packages.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/matrix-client-core/internal/caching"
	"github.com/element-hq/matrix-client-core/internal/config"
	"github.com/element-hq/matrix-client-core/internal/logging"
	"github.com/element-hq/matrix-client-core/internal/transport"
	"github.com/element-hq/matrix-client-core/keyrequest"
	"github.com/element-hq/matrix-client-core/slidingsync"
)

func main() {
	configPath := flag.String("config", "clientcore.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup(logging.DefaultConfig(), "clientcored").WithError(err).Fatal("failed to load configuration")
	}
	log := logging.Setup(cfg.Logging, "clientcored")

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
	}

	var httpClient *transport.Client
	if len(cfg.SlidingSync.AllowNetworks) > 0 || len(cfg.SlidingSync.DenyNetworks) > 0 {
		httpClient = transport.NewWithNetworkPolicy(cfg.Global.HomeserverURL, cfg.Global.AccessToken, cfg.SlidingSync.AllowNetworks, cfg.SlidingSync.DenyNetworks, 5*time.Second)
	} else {
		httpClient = transport.New(cfg.Global.HomeserverURL, cfg.Global.AccessToken)
	}
	httpClient.Log = log.WithField("subcomponent", "transport")

	roomCache, err := caching.NewRoomDataCache(8<<20, 10*time.Minute)
	if err != nil {
		log.WithError(err).Fatal("failed to construct room data cache")
	}

	engine := slidingsync.NewEngine(httpClient, slidingsync.Config{
		ProxyBaseURL:  cfg.SlidingSync.ProxyBaseURL,
		Timeout:       cfg.SlidingSync.Timeout,
		Log:           log.WithField("subcomponent", "slidingsync"),
		Metrics:       slidingsync.NewMetrics(reg),
		RoomDataCache: roomCache,
	})

	store, err := newKeyRequestStore(cfg.KeyRequest)
	if err != nil {
		log.WithError(err).Fatal("failed to open key request store")
	}
	manager := keyrequest.NewManager(store, httpClient, cfg.Global.RequestingDeviceID, log.WithField("subcomponent", "keyrequest"), keyrequest.NewMetrics(reg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Both components run their own independent long-lived loop until the
	// shared signal context is cancelled. Neither goroutine returns an
	// error; the errgroup only ties their shutdown to that context and
	// waits for both to return.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Start(gctx)
		return nil
	})
	g.Go(func() error {
		manager.Start(gctx)
		<-gctx.Done()
		manager.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("clientcored exited with error")
		os.Exit(1)
	}
}

func newKeyRequestStore(cfg config.KeyRequest) (keyrequest.Store, error) {
	if cfg.Database == "" {
		return keyrequest.NewMemoryStore(), nil
	}
	return openSQLStore(cfg)
}
