package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Rusteze-AP/simulation-controller/internal/configwatch"
	"github.com/Rusteze-AP/simulation-controller/internal/controller"
	"github.com/Rusteze-AP/simulation-controller/internal/dispatch"
	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/internal/nbi"
	"github.com/Rusteze-AP/simulation-controller/internal/observability"
	"github.com/Rusteze-AP/simulation-controller/internal/observer"
	"github.com/Rusteze-AP/simulation-controller/internal/sim/engine"
)

// serveConfig is the process configuration of `swarmctl serve`.
type serveConfig struct {
	ConfigPath      string
	GRPCAddr        string
	HTTPAddr        string
	Watch           bool
	SendTimeout     time.Duration
	StopAttempts    uint
	StopInterval    time.Duration
	MessageLog      int
	TrafficInterval time.Duration
	ShutdownTimeout time.Duration
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		GRPCAddr:        ":50051",
		HTTPAddr:        ":9090",
		SendTimeout:     dispatch.DefaultSendTimeout,
		StopAttempts:    controller.DefaultStopPolicy.Attempts,
		StopInterval:    controller.DefaultStopPolicy.Interval,
		MessageLog:      observer.DefaultMessageLog,
		TrafficInterval: engine.DefaultTrafficInterval,
		ShutdownTimeout: controller.DefaultShutdownTimeout,
	}
}

func newServeCmd() *cobra.Command {
	cfg := defaultServeConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller with the reference engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewFromEnv()

			grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
			}
			var httpLis net.Listener
			if cfg.HTTPAddr != "" {
				httpLis, err = net.Listen("tcp", cfg.HTTPAddr)
				if err != nil {
					grpcLis.Close()
					return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
				}
			}

			return runServe(cmd.Context(), cfg, log, grpcLis, httpLis)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.ConfigPath, "config", "", "Topology configuration file (YAML)")
	f.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "TCP address of the operator gRPC server")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP address for /metrics and /feed; empty disables")
	f.BoolVar(&cfg.Watch, "watch", false, "Swap the topology whenever the configuration file changes")
	f.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Upper bound on a single node command send")
	f.UintVar(&cfg.StopAttempts, "stop-attempts", cfg.StopAttempts, "Attempts while waiting for the engine to stop")
	f.DurationVar(&cfg.StopInterval, "stop-interval", cfg.StopInterval, "Interval between engine stop checks")
	f.IntVar(&cfg.MessageLog, "message-log", cfg.MessageLog, "Display events kept in the observer message log")
	f.DurationVar(&cfg.TrafficInterval, "traffic-interval", cfg.TrafficInterval, "Client traffic period of the reference engine; 0 disables")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Upper bound on the shutdown sequence")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// runServe wires every component, starts the first topology and blocks
// until ctx is done or an operator requests shutdown. It owns both
// listeners; httpLis may be nil.
func runServe(ctx context.Context, cfg serveConfig, log logging.Logger, grpcLis, httpLis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}
	defer grpcLis.Close()
	if httpLis != nil {
		defer httpLis.Close()
	}

	reg := prometheus.NewRegistry()
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("rpc metrics: %w", err)
	}
	cpMetrics, err := observability.NewControlPlaneCollector(reg)
	if err != nil {
		return fmt.Errorf("control-plane metrics: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.WithoutCancel(ctx), shutdownTracing, log)

	// The observer outlives ctx so the shutdown notice can still be applied.
	hubCtx, hubCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hubCancel()
	hub := observer.NewHub(observer.WithLogger(log), observer.WithMessageLog(cfg.MessageLog))
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(hubCtx); err != nil {
			log.Error(hubCtx, "observer stopped", logging.Err(err))
		}
	}()

	health := nbi.NewHealth()
	loader := &engine.Loader{Log: log, Opts: []engine.Option{engine.WithTrafficInterval(cfg.TrafficInterval)}}
	ctrl := controller.New(loader,
		controller.WithLogger(log),
		controller.WithObserver(hub),
		controller.WithMetrics(cpMetrics),
		controller.WithTopologyGauges(rpcMetrics),
		controller.WithHealthReporter(health),
		controller.WithStopPolicy(controller.StopPolicy{Attempts: cfg.StopAttempts, Interval: cfg.StopInterval}),
		controller.WithSendTimeout(cfg.SendTimeout),
	)
	if err := ctrl.Start(ctx, cfg.ConfigPath); err != nil {
		_ = hub.Close(context.WithoutCancel(ctx))
		<-hubDone
		return err
	}

	stopRequested := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stopRequested) }) }

	svc := nbi.NewOperatorService(ctrl, hub, log, nbi.WithShutdownHook(requestStop))
	grpcSrv := nbi.NewServer(svc, nbi.ServerConfig{Logger: log, Collector: rpcMetrics, Health: health})
	go func() {
		log.Info(ctx, "operator gRPC server listening", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()

	var httpSrv *http.Server
	if httpLis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rpcMetrics.Handler())
		mux.Handle("/feed", hub.FeedHandler())
		httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info(ctx, "serving metrics and observer feed", logging.String("addr", httpLis.Addr().String()))
			if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(ctx, "http server exited", logging.Err(err))
			}
		}()
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if cfg.Watch {
		w := configwatch.New(cfg.ConfigPath, ctrl, configwatch.WithLogger(log))
		go func() {
			if err := w.Run(bgCtx); err != nil {
				log.Warn(bgCtx, "configuration watcher stopped", logging.Err(err))
			}
		}()
	}
	// SIGINT and SIGTERM are caught here only. The controller stops
	// listening after the first one, so a second signal kills the process.
	signalsDone := make(chan struct{})
	go func() {
		defer close(signalsDone)
		if err := ctrl.HandleSignals(bgCtx, cfg.ShutdownTimeout); err != nil {
			log.Warn(bgCtx, "signal-triggered shutdown incomplete", logging.Err(err))
		}
		if bgCtx.Err() == nil {
			requestStop()
		}
	}()

	select {
	case <-ctx.Done():
	case <-stopRequested:
	}
	bgCancel()
	<-signalsDone

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	shutdownErr := ctrl.Shutdown(shutdownCtx)
	health.Shutdown()
	if err := hub.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "observer close", logging.Err(err))
	}
	<-hubDone
	grpcSrv.GracefulStop()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	log.Info(shutdownCtx, "controller stopped")
	return shutdownErr
}
