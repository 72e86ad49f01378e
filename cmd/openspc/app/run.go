// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/openspc/openspc/pkg/alert"
	"github.com/openspc/openspc/pkg/api"
	"github.com/openspc/openspc/pkg/broadcaster"
	"github.com/openspc/openspc/pkg/buffer"
	"github.com/openspc/openspc/pkg/config"
	"github.com/openspc/openspc/pkg/eventbus"
	"github.com/openspc/openspc/pkg/persistence"
	"github.com/openspc/openspc/pkg/providers/mqtttag"
	"github.com/openspc/openspc/pkg/providers/opcuatag"
	"github.com/openspc/openspc/pkg/publisher"
	"github.com/openspc/openspc/pkg/retention"
	"github.com/openspc/openspc/pkg/secrets"
	"github.com/openspc/openspc/pkg/spc/engine"
	"github.com/openspc/openspc/pkg/spc/window"
	"github.com/openspc/openspc/pkg/util/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the OpenSPC backend",
	Long:  ``,
	RunE:  run,
}

func init() {
	OpenSPCCmd.AddCommand(runCmd)
}

func run(_ *cobra.Command, _ []string) error {
	if err := setupConfig(); err != nil {
		return err
	}
	defer log.Flush()
	cfg := config.OpenSPC
	log.Infof("starting openspc %s", Version)

	store, err := persistence.Open(cfg.GetString("database_url"), cfg.GetInt("database_max_conns"))
	if err != nil {
		return log.Errorf("opening database: %v", err)
	}
	defer store.Close() //nolint:errcheck

	// Without a key the tag providers and the outbound publisher cannot open
	// stored broker credentials; anonymous connections still work.
	var keeper *secrets.Keeper
	switch {
	case cfg.GetString("credentials_key") != "":
		keeper, err = secrets.NewKeeperFromBase64(cfg.GetString("credentials_key"))
	case cfg.GetString("credentials_key_file") != "":
		keeper, err = secrets.NewKeeperFromFile(cfg.GetString("credentials_key_file"))
	default:
		log.Warnf("no credentials key configured, encrypted broker credentials will be rejected") //nolint:errcheck
	}
	if err != nil {
		return log.Errorf("loading credentials key: %v", err)
	}

	windows, err := window.NewManager(store, cfg.GetInt("window_cache_size"), cfg.GetInt("window_size"))
	if err != nil {
		return log.Errorf("building window cache: %v", err)
	}

	bus := eventbus.New()
	alerts := alert.New(store)
	eng := engine.New(store, windows, bus, alerts)

	clk := clock.New()
	buffers := buffer.NewManager(clk, cfg.GetDuration("buffer_timeout"), cfg.GetDuration("buffer_sweep_interval"), eng.ProcessEvent)
	buffers.Start()

	live := broadcaster.New(clk, cfg.GetDuration("live_ping_timeout"))
	live.Attach(bus)
	live.Start()
	alerts.Register(live)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := publisher.New(store, keeper, clk)
	pub.Attach(bus)
	if err := pub.Start(ctx); err != nil {
		log.Errorf("starting outbound publisher: %v", err) //nolint:errcheck
	}

	// Tag provider failures are not fatal: the REST surface stays up and the
	// providers retry on their own schedule where they can.
	mqttProvider := mqtttag.New(store, keeper, buffers)
	if err := mqttProvider.Start(ctx); err != nil {
		log.Errorf("starting mqtt tag provider: %v", err) //nolint:errcheck
	}
	opcuaProvider := opcuatag.New(store, keeper, buffers)
	if err := opcuaProvider.Start(ctx); err != nil {
		log.Errorf("starting opc-ua tag provider: %v", err) //nolint:errcheck
	}

	purge := retention.NewEngine(store, clk, cfg.GetDuration("purge_interval"))
	purge.Start()

	server := api.NewServer(store, eng, alerts, live, purge)
	httpServer := &http.Server{
		Addr:    cfg.GetString("api_addr"),
		Handler: server.Router(),
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("api server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %v, shutting down", sig)
	case err := <-serverErr:
		log.Errorf("api server: %v", err) //nolint:errcheck
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutting down api server: %v", err) //nolint:errcheck
	}

	// Stop ingress first so no samples are lost mid-pipeline, then drain the
	// buffers and the bus, then the delivery ends.
	mqttProvider.Stop()
	opcuaProvider.Stop()
	buffers.Stop()
	purge.Stop()
	cancel()
	bus.Stop()
	pub.Stop()
	live.Stop()

	log.Info("openspc stopped")
	return nil
}
