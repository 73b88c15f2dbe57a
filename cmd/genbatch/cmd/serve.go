package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/genbatch/pkg/api"
	"github.com/psantana5/genbatch/pkg/cleanup"
	"github.com/psantana5/genbatch/pkg/middleware"
	"github.com/psantana5/genbatch/pkg/shutdown"
	tlsutil "github.com/psantana5/genbatch/pkg/tls"
	"github.com/psantana5/genbatch/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the batch HTTP API",
	Long: `Start the HTTP API for creating, running and inspecting batches.

Runs started over HTTP continue in the background. On SIGINT or SIGTERM the
server stops accepting requests, interrupts active runs and waits for them to
record their final status.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
	v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, "server")
	if err != nil {
		return err
	}
	logger := a.logger

	useTLS := cfg.Server.TLSCert != ""
	var tlsConfig *tls.Config
	if useTLS {
		if tlsConfig, err = tlsutil.LoadServerConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.TLSSelfSigned); err != nil {
			a.Close()
			return err
		}
	}

	// runCtx outlives requests; cancelling it interrupts background runs
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(a.tracer))
	router.Use(middleware.RequestLogger(logger))
	api.NewBatchHandler(runCtx, a.orch, a.store, logger).RegisterRoutes(router)
	if a.metrics != nil {
		router.Handle("/metrics", a.metrics.Handler()).Methods("GET")
	}

	if _, err := a.orch.RecoverStale(cmd.Context(), cfg.Server.StaleAfter); err != nil {
		logger.Warn("Stale batch recovery failed", map[string]interface{}{"error": err.Error()})
	}

	cleaner := cleanup.NewManager(cfg.Cleanup, a.orch, a.store, logger)
	cleaner.Start(runCtx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv.TLSConfig = tlsConfig

	// hooks run last-registered first
	sm := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	sm.Register("resources", func(context.Context) error { return a.Close() })
	sm.Register("cleanup", func(context.Context) error {
		cleaner.Stop()
		return nil
	})
	sm.Register("drain-runs", shutdown.WaitFor(func() bool { return a.orch.ActiveCount() == 0 }, 50*time.Millisecond))
	sm.Register("interrupt-runs", func(context.Context) error {
		cancelRuns()
		return nil
	})
	sm.Register("http", shutdown.StopHTTPServer(srv))

	go func() {
		logger.Info("genbatch API listening", map[string]interface{}{
			"addr":    cfg.Server.Addr,
			"store":   cfg.Store.Type,
			"metrics": a.metrics != nil,
			"tls":     useTLS,
		})
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
			sm.Trigger()
		}
	}()

	sm.Wait(cmd.Context())
	return nil
}
