package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/app"
	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/spider"
)

type crawlOptions struct {
	urls       []string
	startURLs  []string
	workers    int
	runID      string
	queue      string
	transport  string
	serve      bool
	port       int
	extensions []string
}

func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl until it goes quiet or is interrupted",
		Long: `Runs one crawl. By default the link spider starts from spider.start_urls
and follows in-scope links. With --url the given pages are fetched once
each, without following links, and a summary of every outcome is logged.

SIGINT or SIGTERM stops the crawl gracefully: in-flight requests are
abandoned, run_stopped is published and progress is flushed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := opts.apply(&cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCrawl(ctx, cfg, opts.urls, logger)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.urls, "url", nil, "fetch these URLs once each instead of running the link spider")
	f.StringSliceVar(&opts.startURLs, "start-url", nil, "override spider.start_urls")
	f.IntVar(&opts.workers, "workers", 0, "override engine.workers")
	f.StringVar(&opts.runID, "run-id", "", "override the generated run id")
	f.StringVar(&opts.queue, "queue", "", "override engine.queue (fifo, lifo, priority)")
	f.StringVar(&opts.transport, "transport", "", "override engine.transport (colly, headless)")
	f.StringSliceVar(&opts.extensions, "extension", nil, "extensions to run ahead of engine.default_extensions")
	f.BoolVar(&opts.serve, "serve", false, "run the status server during the crawl")
	f.IntVar(&opts.port, "port", 0, "override server.port")
	return cmd
}

// apply layers flag overrides onto cfg and revalidates it.
func (o *crawlOptions) apply(cfg *config.Config) error {
	if len(o.startURLs) > 0 {
		cfg.Spider.StartURLs = o.startURLs
	}
	if o.workers > 0 {
		cfg.Engine.Workers = o.workers
	}
	if o.runID != "" {
		cfg.Engine.RunID = o.runID
	}
	if o.queue != "" {
		cfg.Engine.Queue = strings.ToLower(o.queue)
	}
	if o.transport != "" {
		cfg.Engine.Transport = strings.ToLower(o.transport)
	}
	if len(o.extensions) > 0 {
		cfg.Engine.Extensions = o.extensions
	}
	if o.serve {
		cfg.Server.Enabled = true
	}
	if o.port > 0 {
		cfg.Server.Port = o.port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func runCrawl(ctx context.Context, cfg config.Config, urls []string, logger *zap.Logger) error {
	var static *spider.StaticSpider
	opts := app.Options{Logger: logger}
	if len(urls) > 0 {
		static = spider.NewStaticSpiderFromURLs(urls...)
		opts.Spider = static
	}

	a, err := app.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	runErr := a.Run(ctx)
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("crawl %s: %w", a.RunID(), runErr)
	}
	if static != nil {
		logResults(logger, static.Results())
	}
	logger.Info("crawl finished", zap.String("run_id", a.RunID()))
	return nil
}

func logResults(logger *zap.Logger, results []spider.Result) {
	for _, r := range results {
		fields := []zap.Field{zap.String("url", r.Request.URL)}
		switch {
		case r.Response != nil:
			logger.Info("fetched", append(fields,
				zap.Int("status", r.Response.Status),
				zap.Int("bytes", len(r.Response.Body)),
			)...)
		case r.Err != nil:
			if resp := httpErrorResponse(r.Err); resp != nil {
				fields = append(fields, zap.Int("status", resp.Status))
			}
			logger.Warn("fetch failed", append(fields, zap.Error(r.Err))...)
		default:
			logger.Warn("not fetched", fields...)
		}
	}
}

func httpErrorResponse(err error) *crawler.Response {
	var httpErr *crawler.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Response()
	}
	return nil
}
