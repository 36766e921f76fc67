package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/aseba-hub/internal/config"
	"github.com/signalsfoundry/aseba-hub/internal/control"
	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/internal/observability"
	"github.com/signalsfoundry/aseba-hub/network"
	"github.com/signalsfoundry/aseba-hub/timectrl"
)

func main() {
	configPath := flag.String("config", "", "path to an asebahub.toml file")
	address := flag.String("address", "", "host address the hubs listen on")
	port := flag.Int("port", network.DefaultPort, "default hub port")
	controlAddr := flag.String("control-addr", "", "TCP address of the control gRPC API (empty disables it)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (empty disables it)")
	tick := flag.Duration("tick", 0, "driver tick interval")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "asebahub: %v\n", err)
		os.Exit(2)
	}
	// Flags given on the command line win over the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address":
			cfg.Network.Address = *address
		case "port":
			cfg.Network.Port = *port
		case "control-addr":
			cfg.Control.Address = *controlAddr
		case "metrics-addr":
			cfg.Metrics.Address = *metricsAddr
		case "tick":
			cfg.Driver.Tick = *tick
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "asebahub: %v\n", err)
		os.Exit(2)
	}

	log := cfg.Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var lis net.Listener
	if cfg.Control.Address != "" {
		lis, err = net.Listen("tcp", cfg.Control.Address)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Control.Address), logging.Err(err))
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "hub exited", logging.Err(err))
		os.Exit(1)
	}
}

// loadConfig reads path over the defaults, or uses the defaults alone when
// path is empty, then applies the environment.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// run creates the configured nodes and drives them until ctx is done or
// driver.duration has elapsed. The control API is served on lis when it is
// non-nil.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	collector, err := observability.NewHubCollector(nil)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	metricsSrv := serveMetrics(cfg.Metrics.Address, collector, log)

	shutdownTracing, err := observability.InitTracing(ctx, tracingConfig(cfg), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	mgr := network.NewManager(network.ManagerOptions{
		Hub:             cfg.HubOptions(log),
		WebSocketOffset: cfg.Network.WebSocketOffset,
		Logger:          log,
		Metrics:         collector,
	})
	if err := createNodes(ctx, mgr, cfg, log); err != nil {
		mgr.Close()
		return err
	}

	var server *grpc.Server
	if lis != nil {
		server = control.NewGRPCServer(control.NewServer(mgr, cfg.Network.Port, log), log, collector)
		log.Info(ctx, "starting control gRPC server", logging.String("addr", lis.Addr().String()))
		go func() {
			if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
	}

	mode := timectrl.RealTime
	if cfg.Driver.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), cfg.Driver.Tick, mode)
	tc.AddListener(func(_ time.Time, dt time.Duration) {
		mgr.Spin(dt)
	})

	log.Info(ctx, "hub running",
		logging.Int("nodes", mgr.Registry().Len()),
		logging.Duration("tick", cfg.Driver.Tick),
		logging.Bool("control_api", server != nil),
		logging.String("mode", mode.String()))
	err = tc.Run(ctx, cfg.Driver.Duration)

	log.Info(context.Background(), "shutting down hub")
	mgr.DestroyAllNodes()
	mgr.RemoveAllNetworks()
	mgr.Close()
	if server != nil {
		server.GracefulStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// createNodes builds the [[nodes]] entries and installs their scripts.
// Script paths are relative to the configuration file.
func createNodes(ctx context.Context, mgr *network.Manager, cfg config.Config, log logging.Logger) error {
	specs, err := cfg.NodeSpecs()
	if err != nil {
		return err
	}
	for i, spec := range specs {
		n, err := mgr.CreateNode(spec)
		if err != nil {
			return fmt.Errorf("nodes[%d]: %w", i, err)
		}
		nc := cfg.Nodes[i]
		switch {
		case nc.Script != "":
			path := nc.Script
			if !filepath.IsAbs(path) && cfg.Path != "" {
				path = filepath.Join(filepath.Dir(cfg.Path), path)
			}
			err = mgr.LoadScriptFromFile(ctx, n.ID(), path)
		case nc.Code != "":
			err = mgr.LoadScriptFromText(ctx, n.ID(), nc.Code)
		}
		if err != nil {
			return fmt.Errorf("nodes[%d] script: %w", i, err)
		}
		log.Info(ctx, "node ready",
			logging.Uint16("node_id", n.ID()),
			logging.String("kind", n.Set().Name()),
			logging.Int("port", spec.Port))
	}
	return nil
}

func tracingConfig(cfg config.Config) observability.TracingConfig {
	if !cfg.Tracing.Enabled {
		return observability.TracingConfigFromEnv(os.LookupEnv)
	}
	return observability.TracingConfig{
		Enabled:     true,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}
}

func serveMetrics(addr string, collector *observability.HubCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
