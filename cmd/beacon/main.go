package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beaconhq/beacon/authority"
	"github.com/beaconhq/beacon/cluster"
	"github.com/beaconhq/beacon/config"
	"github.com/beaconhq/beacon/logger"
	"github.com/beaconhq/beacon/pkg/health"
	"github.com/beaconhq/beacon/pkg/resilient"
	"github.com/beaconhq/beacon/server/gateway"
	"github.com/beaconhq/beacon/server/httpapi"
	"github.com/beaconhq/beacon/server/hub"
	"github.com/beaconhq/beacon/server/lifecycle"
)

func main() {
	cfg := config.NewDefaultConfig()

	// Flags override values from the config file if set. Their defaults
	// come from the initial cfg for consistent -help messages.
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fLogOutput := flag.String("logoutput", cfg.Logging.Output, "Log output: 'stderr', 'stdout', 'syslog' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn, error (overrides config)")

	fGateway := flag.Bool("gateway", cfg.Gateway.Start, "Start the websocket gateway (overrides config)")
	fGatewayAddr := flag.String("gatewayaddr", cfg.Gateway.Addr, "Gateway listen address (overrides config)")
	fAPI := flag.Bool("api", cfg.API.Start, "Start the HTTP API server (overrides config)")
	fAPIAddr := flag.String("apiaddr", cfg.API.Addr, "HTTP API listen address (overrides config)")
	fAPIKey := flag.String("apikey", cfg.API.APIKey, "Bearer key guarding admin routes (overrides config)")

	fStoreAddr := flag.String("storeaddr", cfg.Store.Addr, "Redis address for the resilience store (overrides config)")
	fNoStore := flag.Bool("nostore", false, "Run without a store backend; fan-out stays within this process")

	fAuthHost := flag.String("authhost", cfg.Authority.Host, "Session authority database host (overrides config)")
	fAuthPort := flag.String("authport", cfg.Authority.Port, "Session authority database port (overrides config)")
	fAuthUser := flag.String("authuser", cfg.Authority.User, "Session authority database user (overrides config)")
	fAuthPassword := flag.String("authpassword", cfg.Authority.Password, "Session authority database password (overrides config)")
	fAuthName := flag.String("authname", cfg.Authority.Name, "Session authority database name (overrides config)")
	fMemAuthority := flag.Bool("memauthority", false, "Use an in-memory session authority; development only")

	fCluster := flag.Bool("cluster", cfg.Cluster.Enabled, "Enable multi-node clustering (overrides config)")
	fNodeID := flag.String("nodeid", cfg.Cluster.NodeID, "Cluster node identifier, hostname when empty (overrides config)")

	flag.Parse()

	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Error parsing configuration file '%s': %v", *configPath, err)
		}
		cfg = loaded
	} else if isFlagSet("config") {
		log.Fatalf("Error: specified configuration file '%s' not found", *configPath)
	} else {
		log.Printf("WARNING: Default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
	}

	if isFlagSet("logoutput") {
		cfg.Logging.Output = *fLogOutput
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *fLogLevel
	}
	if isFlagSet("gateway") {
		cfg.Gateway.Start = *fGateway
	}
	if isFlagSet("gatewayaddr") {
		cfg.Gateway.Addr = *fGatewayAddr
	}
	if isFlagSet("api") {
		cfg.API.Start = *fAPI
	}
	if isFlagSet("apiaddr") {
		cfg.API.Addr = *fAPIAddr
	}
	if isFlagSet("apikey") {
		cfg.API.APIKey = *fAPIKey
	}
	if isFlagSet("storeaddr") {
		cfg.Store.Addr = *fStoreAddr
	}
	if isFlagSet("authhost") {
		cfg.Authority.Host = *fAuthHost
	}
	if isFlagSet("authport") {
		cfg.Authority.Port = *fAuthPort
	}
	if isFlagSet("authuser") {
		cfg.Authority.User = *fAuthUser
	}
	if isFlagSet("authpassword") {
		cfg.Authority.Password = *fAuthPassword
	}
	if isFlagSet("authname") {
		cfg.Authority.Name = *fAuthName
	}
	if isFlagSet("cluster") {
		cfg.Cluster.Enabled = *fCluster
	}
	if isFlagSet("nodeid") {
		cfg.Cluster.NodeID = *fNodeID
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if !cfg.Gateway.Start && !cfg.API.Start {
		logger.Fatal("no servers enabled; enable the gateway, the API server or both")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errChan := make(chan error, 1)

	var store *resilient.Store
	if !*fNoStore {
		store, err = resilient.New(cfg.Store)
		if err != nil {
			logger.Fatal("failed to initialize resilience store", "error", err)
		}
		defer store.Close()
	} else {
		logger.Warn("store disabled; event fan-out stays within this process")
	}

	var auth authority.Authority
	if *fMemAuthority {
		logger.Warn("using in-memory session authority; sessions will not survive a restart")
		auth = authority.NewMemoryAuthority(15 * time.Minute)
	} else {
		logger.Info("connecting to session authority",
			"host", cfg.Authority.Host, "port", cfg.Authority.Port, "database", cfg.Authority.Name)
		auth, err = authority.NewPostgresAuthority(ctx, cfg.Authority)
		if err != nil {
			logger.Fatal("failed to connect to session authority", "error", err)
		}
	}
	defer auth.Close()

	h := hub.New(store)
	go func() {
		if err := h.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	emitter := lifecycle.NewEmitter(h, cfg.Lifecycle.ReplayBufferSize)
	if store != nil {
		if err := emitter.RestoreSequence(ctx, store); err != nil {
			logger.Fatal("failed to restore event id sequence", "error", err)
		}
	}
	controller, err := lifecycle.NewController(auth, emitter, cfg.Lifecycle)
	if err != nil {
		logger.Fatal("failed to create lifecycle controller", "error", err)
	}
	go func() {
		if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()

	var clusterManager *cluster.Manager
	if cfg.Cluster.Enabled {
		clusterManager, err = cluster.New(cfg.Cluster)
		if err != nil {
			logger.Fatal("failed to start cluster manager", "error", err)
		}
		defer clusterManager.Shutdown()
		clusterManager.OnLeaderChange(func(isLeader bool, leaderID string) {
			controller.SetActive(isLeader)
		})
		controller.SetActive(clusterManager.IsLeader())
	} else {
		// Single node; this process owns the expiry scheduler.
		controller.SetActive(true)
	}

	gw, err := gateway.New(cfg.Gateway, h, auth)
	if err != nil {
		logger.Fatal("failed to create gateway", "error", err)
	}
	if cfg.Gateway.Start {
		go func() {
			if err := gw.Serve(ctx); err != nil && ctx.Err() == nil {
				errChan <- err
			}
		}()
		go gw.RunLivenessSweep(ctx)
	}

	monitor := health.NewHealthMonitor()
	if store != nil {
		monitor.RegisterCheck(health.NewStoreHealthCheck(store.Ping))
	}
	monitor.RegisterCheck(health.NewAuthorityHealthCheck(auth.Ping))
	monitor.Start(ctx)
	defer monitor.Stop()

	if cfg.API.Start {
		go httpapi.Start(ctx, httpapi.Options{
			Config:     cfg.API,
			Auth:       auth,
			Emitter:    emitter,
			Controller: controller,
			Hub:        h,
			Gateway:    gw,
			Store:      store,
			Monitor:    monitor,
		}, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errChan:
		logger.Fatal("server error", "error", err)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
