package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"influence/internal/aggregate"
	"influence/internal/classifier"
	"influence/internal/events"
	"influence/internal/pipeline"
	pipelinemetrics "influence/internal/pipeline/metrics"
	"influence/internal/platform/config"
	"influence/internal/platform/httpserver"
	"influence/internal/platform/kafka/producer"
	"influence/internal/platform/logger"
	"influence/internal/platform/metrics"
	"influence/internal/platform/redis"
	"influence/internal/quality"
	"influence/internal/resilience"
	resiliencemetrics "influence/internal/resilience/metrics"
	"influence/internal/resolver"
	"influence/internal/storage/sqlstore"
	"influence/pkg/platform/circuit"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath  string
	logLevel    string
	metricsAddr string
	version     string
	stdout      io.Writer
	stderr      io.Writer
}

// app holds everything one command invocation wires together. Optional
// parts (cache, producer) are nil when not configured.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Registry
	store    *sqlstore.Store
	redis    *redis.Client
	cache    *aggregate.RedisCache
	producer *producer.Producer
	breakers *circuit.Registry
	calls    *resilience.CallLog
	client   *resilience.Client
	variants *resolver.Variants

	stopOps func()
}

// newApp loads configuration and opens the store. Connections to Redis
// and Kafka are opened by the commands that need them.
func newApp(ctx context.Context, g *globals) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.metricsAddr != "" {
		cfg.Metrics.Addr = g.metricsAddr
	}
	log, err := logger.New(g.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.New(g.version),
		calls:   resilience.NewCallLog(),
	}

	a.variants = resolver.DefaultVariants()
	if cfg.Resolver.VariantsPath != "" {
		if a.variants, err = resolver.LoadVariants(cfg.Resolver.VariantsPath); err != nil {
			return nil, err
		}
	}

	dialect, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	a.store, err = sqlstore.Open(ctx, dialect, cfg.Database.DSN,
		sqlstore.WithLogger(log),
		sqlstore.WithQueryPageSize(cfg.Database.QueryPageSize),
	)
	if err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.startOps(ctx)
	return a, nil
}

// startOps serves /metrics and /healthz for the lifetime of the command.
func (a *app) startOps(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	checks := map[string]httpserver.Check{"database": a.store.Ping}
	srv := httpserver.New(a.cfg.Metrics.Addr, httpserver.OpsRouter(a.metrics.Handler(), checks, a.logger))
	opsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := httpserver.Serve(opsCtx, srv, a.logger); err != nil {
			a.logger.ErrorContext(ctx, "ops server stopped", "error", err)
		}
	}()
	a.stopOps = func() {
		cancel()
		<-done
	}
}

// withCache connects to Redis when configured.
func (a *app) withCache(ctx context.Context) error {
	rc, err := redis.New(ctx, a.cfg.Redis)
	if err != nil || rc == nil {
		return err
	}
	a.redis = rc
	a.cache, err = aggregate.NewRedisCache(rc.Client, aggregate.WithTTL(a.cfg.Redis.CacheTTL))
	return err
}

// withProducer connects to Kafka when brokers are configured.
func (a *app) withProducer(ctx context.Context) error {
	k := a.cfg.Kafka
	if len(k.Brokers) == 0 {
		return nil
	}
	p, err := producer.New(k.Brokers, producer.WithClientID(k.ClientID), producer.WithLogger(a.logger))
	if err != nil {
		return err
	}
	if k.CreateTopic {
		if err := p.EnsureTopic(ctx, k.Topic, k.Partitions, 1); err != nil {
			p.Close()
			return err
		}
	}
	a.producer = p
	return nil
}

// withClient builds the resilient HTTP client the live adapters share.
func (a *app) withClient() error {
	rm := resiliencemetrics.New(a.metrics)
	a.breakers = circuit.NewRegistry(circuit.WithOnStateChange(func(name string, from, to circuit.State) {
		rm.SetCircuitState(name, from, to)
		a.logger.WarnContext(context.Background(), "circuit state changed", "source", name, "from", from.String(), "to", to.String())
	}))

	opts := []resilience.Option{
		resilience.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		resilience.WithLogger(a.logger),
		resilience.WithRecorder(rm),
		resilience.WithRecorder(a.calls),
	}
	for source, sc := range sourceConfigs(a.cfg.Sources) {
		opts = append(opts, resilience.WithPolicy(source, policyFor(sc)))
	}
	client, err := resilience.New(a.breakers, opts...)
	if err != nil {
		return fmt.Errorf("resilience client: %w", err)
	}
	a.client = client
	return nil
}

func (a *app) classifier() (*classifier.Classifier, error) {
	if a.cfg.Classifier.RulesPath == "" {
		return classifier.Default(), nil
	}
	return classifier.Load(a.cfg.Classifier.RulesPath)
}

func (a *app) pipeline() (*pipeline.Pipeline, error) {
	if err := a.withClient(); err != nil {
		return nil, err
	}
	registry, err := buildAdapters(a.cfg.Sources, a.client, a.logger)
	if err != nil {
		return nil, err
	}
	cls, err := a.classifier()
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithClassifier(cls),
		pipeline.WithVariants(a.variants),
		pipeline.WithMetrics(pipelinemetrics.New(a.metrics)),
		pipeline.WithPageSize(a.cfg.Pipeline.PageSize),
		pipeline.WithWorkers(a.cfg.Pipeline.Workers),
	}
	if a.cache != nil {
		opts = append(opts, pipeline.WithCacheInvalidator(a.cache))
	}
	if a.producer != nil {
		opts = append(opts, pipeline.WithPublisher(events.NewPublisher(a.producer, a.cfg.Kafka.Topic)))
	}
	return pipeline.New(registry, a.store, opts...)
}

func (a *app) aggregator() (*aggregate.Aggregator, error) {
	opts := []aggregate.Option{aggregate.WithLogger(a.logger)}
	if a.cache != nil {
		opts = append(opts, aggregate.WithCache(a.cache))
	}
	return aggregate.New(a.store, opts...)
}

func (a *app) monitor() (*quality.Monitor, error) {
	opts := []quality.Option{
		quality.WithLogger(a.logger),
		quality.WithTimeout(a.cfg.Quality.Timeout),
		quality.WithCallStats(a.calls),
	}
	if a.breakers != nil {
		opts = append(opts, quality.WithBreakers(a.breakers))
	}
	return quality.New(a.store, opts...)
}

func (a *app) Close() error {
	if a.stopOps != nil {
		a.stopOps()
	}
	if a.producer != nil {
		a.producer.Close()
	}
	var errs []error
	if err := a.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
