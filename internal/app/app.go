// Package app assembles a crawl process from configuration: it picks the
// registered components by name, builds the extension pipeline, attaches
// progress tracking and, when enabled, the status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlengine/internal/api"
	"github.com/JakeFAU/crawlengine/internal/clock/system"
	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/dupefilter"
	"github.com/JakeFAU/crawlengine/internal/extensions"
	"github.com/JakeFAU/crawlengine/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/crawlengine/internal/fetcher/colly"
	"github.com/JakeFAU/crawlengine/internal/fetcher/headless"
	"github.com/JakeFAU/crawlengine/internal/hash/sha256"
	"github.com/JakeFAU/crawlengine/internal/id/uuid"
	"github.com/JakeFAU/crawlengine/internal/progress"
	"github.com/JakeFAU/crawlengine/internal/progress/sinks"
	"github.com/JakeFAU/crawlengine/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlengine/internal/queue/memory"
	"github.com/JakeFAU/crawlengine/internal/spider"
	"github.com/JakeFAU/crawlengine/internal/storage/gcs"
	"github.com/JakeFAU/crawlengine/internal/storage/local"
	memstorage "github.com/JakeFAU/crawlengine/internal/storage/memory"
	"github.com/JakeFAU/crawlengine/internal/storage/postgres"
	"github.com/JakeFAU/crawlengine/internal/store"
	memstore "github.com/JakeFAU/crawlengine/internal/store/memory"
)

// Options override parts of the configuration-driven assembly.
type Options struct {
	// Spider replaces the link spider built from the spider section.
	Spider crawler.Spider
	// Fetcher replaces the transport named by engine.transport.
	Fetcher crawler.Fetcher
	// Registerer receives the prometheus sink's collectors; nil uses the
	// default registerer.
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// App holds every long-lived component of one crawl process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	engine   *crawler.Engine
	runner   *crawler.Runner
	hub      *progress.Hub
	progress store.ProgressRepository
	server   *api.Server

	detach  []func()
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New builds an App. On error every component opened so far is closed.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger.Named("app")}
	defer func() {
		if err != nil {
			_ = a.closeAll(context.WithoutCancel(ctx))
		}
	}()

	runID := cfg.Engine.RunID
	if runID == "" {
		if runID, err = uuid.New().NewID(); err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
	}
	a.logger = a.logger.With(zap.String("run_id", runID))

	newQueue, err := memory.Registry().Lookup(cfg.Engine.Queue)
	if err != nil {
		return nil, err
	}
	newDupeFilter, err := dupefilter.Registry().Lookup(cfg.Engine.DupeFilter)
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		if fetcher, err = a.buildFetcher(); err != nil {
			return nil, err
		}
	}

	spd := opts.Spider
	if spd == nil {
		if spd, err = spider.NewLinkSpider(spider.LinkConfig{
			StartURLs:      cfg.Spider.StartURLs,
			AllowedDomains: cfg.Spider.AllowedDomains,
			Clock:          system.New(),
		}, logger); err != nil {
			return nil, fmt.Errorf("build spider: %w", err)
		}
	}

	exportSettings, err := a.buildExport(ctx)
	if err != nil {
		return nil, err
	}

	bus := crawler.NewBus(logger)
	registry := extensions.Registry(extensions.Settings{
		MaxDepth:  cfg.Spider.MaxDepth,
		RateLimit: extensions.RateLimitSettings{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst},
		Robots: extensions.RobotsSettings{
			Enabled:   cfg.Robots.Enabled,
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   time.Duration(cfg.Robots.TimeoutSeconds) * time.Second,
		},
		Retry: extensions.RetrySettings{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   config.Millis(cfg.Retry.BaseDelayMs),
			MaxDelay:    config.Millis(cfg.Retry.MaxDelayMs),
		},
		Export: exportSettings,
	})
	pipeline, err := crawler.BuildPipeline(cfg.Engine.Extensions, cfg.Engine.DefaultExtensions, registry,
		crawler.ExtensionEnv{RunID: runID, Bus: bus, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	if err := a.buildProgress(ctx, bus, opts.Registerer); err != nil {
		return nil, err
	}

	a.engine, err = crawler.NewEngine(crawler.Components{
		Queue:      newQueue(),
		DupeFilter: newDupeFilter(),
		Fetcher:    fetcher,
		Spider:     spd,
		Pipeline:   pipeline,
		Bus:        bus,
		Clock:      system.New(),
		RunID:      runID,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.detach = append(a.detach, a.engine.Close)

	if a.runner, err = crawler.NewRunner(a.engine, cfg.Engine.Workers, logger); err != nil {
		return nil, err
	}

	if cfg.Server.Enabled {
		a.server = api.NewServer(api.Options{
			Runner:   a.runner,
			Progress: a.progress,
			APIKey:   cfg.Server.APIKey,
			Logger:   logger,
		})
	}

	a.logger.Info("crawl assembled",
		zap.String("queue", cfg.Engine.Queue),
		zap.String("dupefilter", cfg.Engine.DupeFilter),
		zap.String("transport", cfg.Engine.Transport),
		zap.Strings("extensions", pipeline.Names()),
		zap.Strings("progress_sinks", cfg.Progress.Sinks),
		zap.Int("workers", cfg.Engine.Workers),
	)
	return a, nil
}

func (a *App) buildFetcher() (crawler.Fetcher, error) {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:       a.cfg.HTTP.UserAgent,
		Timeout:         a.cfg.HTTPTimeout(),
		VerifyTLS:       a.cfg.HTTP.VerifyTLS,
		FollowRedirects: a.cfg.HTTP.FollowRedirects,
		Proxy:           a.cfg.HTTP.Proxy,
		MaxBodySize:     a.cfg.HTTP.MaxBodyBytes,
	})
	if a.cfg.Engine.Transport == "colly" {
		return probe, nil
	}

	browser, err := headless.New(headless.Config{
		MaxParallel:  a.cfg.Headless.MaxParallel,
		UserAgent:    a.cfg.HTTP.UserAgent,
		Timeout:      time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
		WaitSelector: a.cfg.Headless.WaitSelector,
		SettleDelay:  config.Millis(a.cfg.Headless.SettleDelayMs),
	})
	if err != nil {
		return nil, fmt.Errorf("start headless transport: %w", err)
	}
	a.onClose("headless", func(context.Context) error {
		browser.Close()
		return nil
	})
	if a.cfg.Engine.Transport == "headless" {
		return browser, nil
	}
	f, err := auto.New(probe, browser, auto.NewHeuristic(a.cfg.Headless.PromoteBelowBytes), a.logger)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// buildExport returns zero settings when export.store is none, which leaves
// the export extension disabled.
func (a *App) buildExport(ctx context.Context) (extensions.ExportSettings, error) {
	ec := a.cfg.Export
	settings := extensions.ExportSettings{
		Prefix: ec.Prefix,
		Topic:  ec.PubSubTopic,
		Hasher: sha256.New(),
		Clock:  system.New(),
	}
	switch ec.Store {
	case "memory":
		settings.Store = memstorage.New()
	case "local":
		s, err := local.New(local.Config{BaseDir: ec.LocalDir})
		if err != nil {
			return extensions.ExportSettings{}, fmt.Errorf("open local export store: %w", err)
		}
		settings.Store = s
	case "gcs":
		s, err := gcs.Open(ctx, gcs.Config{Bucket: ec.GCSBucket})
		if err != nil {
			return extensions.ExportSettings{}, fmt.Errorf("open gcs export store: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return s.Close() })
		settings.Store = s
	default:
		return extensions.ExportSettings{}, nil
	}

	if ec.PubSubProject != "" {
		p, err := pubsub.Open(ctx, ec.PubSubProject)
		if err != nil {
			return extensions.ExportSettings{}, fmt.Errorf("open pubsub publisher: %w", err)
		}
		a.onClose("pubsub", func(context.Context) error { return p.Close() })
		settings.Publisher = p
	}
	return settings, nil
}

// buildProgress wires the configured sinks behind a hub fed from bus. The
// progress repository is always built so the status server can answer run
// queries; it is Postgres when a DSN is configured.
func (a *App) buildProgress(ctx context.Context, bus *crawler.Bus, reg prometheus.Registerer) error {
	pc := a.cfg.Progress
	if pc.PostgresDSN != "" {
		ps, err := postgres.Open(ctx, postgres.Config{DSN: pc.PostgresDSN})
		if err != nil {
			return fmt.Errorf("open progress store: %w", err)
		}
		a.onClose("postgres", func(context.Context) error {
			ps.Close()
			return nil
		})
		if err := ps.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure progress schema: %w", err)
		}
		a.progress = ps
	} else {
		a.progress = memstore.New()
	}

	var sinkList []progress.Sink
	for _, name := range pc.Sinks {
		switch name {
		case "log":
			sinkList = append(sinkList, sinks.NewLogSink(a.logger))
		case "prometheus":
			ps, err := sinks.NewPrometheusSink(reg)
			if err != nil {
				return fmt.Errorf("register progress metrics: %w", err)
			}
			sinkList = append(sinkList, ps)
		case "store":
			sinkList = append(sinkList, sinks.NewStoreSink(a.progress, a.logger))
		}
	}
	if len(sinkList) == 0 {
		return nil
	}

	a.hub = progress.NewHub(progress.HubConfig{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.BatchSize,
		MaxBatchWait:   config.Millis(pc.FlushIntervalMs),
		Logger:         a.logger,
	}, sinkList...)
	a.onClose("progress", a.hub.Close)
	a.detach = append(a.detach, progress.Attach(bus, a.hub))
	return nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// RunID returns the identifier of the assembled run.
func (a *App) RunID() string { return a.engine.RunID() }

// Runner exposes the worker pool, mostly for tests and the status server.
func (a *App) Runner() *crawler.Runner { return a.runner }

// Progress returns the repository backing run queries.
func (a *App) Progress() store.ProgressRepository { return a.progress }

// Server returns the status server, or nil when it is disabled.
func (a *App) Server() *api.Server { return a.server }

// Run crawls until the run finishes or ctx ends. The status server, when
// enabled, serves for the duration of the crawl.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		return a.runner.Run(ctx)
	}
	serveCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
		return a.server.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		defer stopServer()
		return a.runner.Run(gctx)
	})
	return g.Wait()
}

// Close detaches bus subscribers, then closes components in reverse order of
// construction so progress is flushed before its store goes away. It returns
// every close error.
func (a *App) Close(ctx context.Context) error {
	return a.closeAll(ctx)
}

func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.detach) - 1; i >= 0; i-- {
		a.detach[i]()
	}
	a.detach = nil
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
