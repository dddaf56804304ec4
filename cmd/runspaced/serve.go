package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cryguy/runspace"
	"github.com/cryguy/runspace/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
)

func newServeCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the route table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("listen", "", "address to listen on")
	cmd.Flags().String("routes", "", "route table file")
	cmd.Flags().String("log_level", "", "debug, info, warn or error")
	return cmd
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "runspaced",
	})
	if lvl, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warn("unknown log level, using info", "level", level)
	}
	return logger
}

func serve(ctx context.Context, cfg *config.Server) error {
	logger := newLogger(cfg.LogLevel)

	routes, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return err
	}
	rcfg := cfg.Runspace
	libs := make(map[string]string, len(rcfg.Libraries)+len(routes.Libraries))
	maps.Copy(libs, rcfg.Libraries)
	maps.Copy(libs, routes.Libraries)
	rcfg.Libraries = libs

	host, err := runspace.NewHost(rcfg,
		runspace.WithLogger(logger),
		runspace.WithFunctions(routes.Definitions()...),
	)
	if err != nil {
		return fmt.Errorf("starting runspace host: %w", err)
	}

	router := host.NewRouter(runspace.Recovery(host), runspace.Logging(host))
	router.HandleRaw("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if host.Pool().Disposed() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	if cfg.MetricsPath != "" {
		router.HandleRaw("GET "+cfg.MetricsPath, promhttp.Handler())
	}
	for _, rt := range routes.Routes {
		src := rt.Source()
		switch rt.Kind {
		case config.KindSignal:
			router.Signal(rt.Pattern, src, runspace.SignalOptions{
				OriginPatterns: rt.Origins,
				IdleTimeout:    rt.IdleTimeout,
			})
		default:
			router.Script(rt.Pattern, src)
		}
		logger.Debug("route mounted", "pattern", rt.Pattern, "kind", rt.Kind, "language", src.Language)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		host.Shutdown(context.Background())
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String(), "routes", len(routes.Routes), "js", runspace.JSBackend())
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "err", serr)
	}
	if herr := host.Shutdown(shutdownCtx); herr != nil {
		logger.Error("runspace shutdown", "err", herr)
		err = errors.Join(err, herr)
	}
	logger.Info("stopped")
	return err
}
