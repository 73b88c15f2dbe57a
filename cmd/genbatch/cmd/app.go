package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/genbatch/pkg/config"
	"github.com/psantana5/genbatch/pkg/events"
	"github.com/psantana5/genbatch/pkg/generation"
	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/metrics"
	"github.com/psantana5/genbatch/pkg/models"
	"github.com/psantana5/genbatch/pkg/orchestrator"
	"github.com/psantana5/genbatch/pkg/retry"
	"github.com/psantana5/genbatch/pkg/sinks"
	"github.com/psantana5/genbatch/pkg/store"
	"github.com/psantana5/genbatch/pkg/tracing"
)

// errNoGenerator is returned by the placeholder client when no generator URL
// is configured
var errNoGenerator = errors.New("generator.url is not configured")

// app holds everything a command needs
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   store.Store
	metrics *metrics.Recorder
	tracer  *tracing.Provider
	orch    *orchestrator.Orchestrator

	closers []func() error
}

// newApp wires the configured collaborators. component names the log file
// when log.dir is set.
func newApp(ctx context.Context, cfg *config.Config, component string) (*app, error) {
	a := &app{cfg: cfg}

	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.Dir != "" {
		logger, err := logging.NewFileLogger(cfg.Log.Dir, "genbatch", component, level, cfg.Log.JSON)
		if err != nil {
			return nil, err
		}
		a.logger = logger
		a.closers = append(a.closers, logger.Close)
	} else {
		a.logger = logging.NewLogger(level, cfg.Log.JSON)
	}

	st, err := store.NewStore(store.Config{
		Type:            cfg.Store.Type,
		DSN:             cfg.Store.DSN,
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		Logger:          a.logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewRecorder()
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tracer = tracer
	a.closers = append(a.closers, func() error { return tracer.Shutdown(context.Background()) })

	history, err := a.historySink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	exporter, err := a.exportSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}

	a.orch = orchestrator.New(st, a.generationClient(), orchestrator.Config{
		Concurrency: cfg.Concurrency,
		Retry:       policy,
		Logger:      a.logger,
		Metrics:     a.metrics,
		Tracer:      tracer,
		Events:      events.NewRegistry(a.logger),
		History:     history,
		Exporter:    exporter,
	})
	return a, nil
}

// generationClient builds the HTTP client with its breaker and rate limiter
func (a *app) generationClient() generation.Client {
	g := a.cfg.Generator
	if g.URL == "" {
		return generation.ClientFunc(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			return nil, retry.Permanent(errNoGenerator)
		})
	}

	var mws []generation.Middleware
	if g.Breaker.Enabled {
		bc := generation.DefaultBreakerConfig()
		bc.FailureThreshold = g.Breaker.FailureThreshold
		bc.Timeout = g.Breaker.Timeout
		if g.Breaker.MaxRequests > 0 {
			bc.MaxRequests = g.Breaker.MaxRequests
		}
		mws = append(mws, generation.WithBreaker(bc, a.logger))
	}
	if g.RatePerSecond > 0 {
		mws = append(mws, generation.RateLimited(g.RatePerSecond, g.Burst))
	}
	return generation.Chain(generation.NewHTTPClient(g.URL, g.APIKey, g.Timeout), mws...)
}

func (a *app) historySink(ctx context.Context) (orchestrator.HistorySink, error) {
	h := a.cfg.History
	if h.RedisAddr == "" {
		return nil, nil
	}
	sink, client, err := sinks.DialRedisHistory(ctx, h.RedisAddr, h.RedisPassword, h.RedisDB, h.Key, h.MaxLen)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("History sink enabled", map[string]interface{}{"redis": h.RedisAddr, "key": h.Key})
	return sink, nil
}

func (a *app) exportSink() (orchestrator.ExportSink, error) {
	e := a.cfg.Export
	switch {
	case e.AMQPURL != "":
		exporter, err := sinks.DialAMQPExporter(e.AMQPURL, e.Exchange)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, exporter.Close)
		a.logger.Info("AMQP export enabled", map[string]interface{}{"exchange": e.Exchange})
		return exporter, nil
	case e.Dir != "":
		a.logger.Info("File export enabled", map[string]interface{}{"dir": e.Dir})
		return sinks.NewFileExporter(e.Dir), nil
	}
	return nil, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp loads config, builds the app, runs fn and closes the app
func withApp(component string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, component)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func progressLabel(b *models.Batch) string {
	return fmt.Sprintf("%d/%d", b.Progress.Current, b.Progress.Total)
}
