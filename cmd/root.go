// Package cmd defines the crawlengine command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/logging"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
	devLogs    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "crawlengine",
		Short: "A concurrent, pluggable web crawl engine",
		Long: `crawlengine schedules requests through a queue and duplicate filter,
runs them through an extension pipeline and a pool of workers, and hands
responses to a spider until the crawl goes quiet.

Configuration comes from a file (--config, or crawler.yaml in the working
directory, $HOME/.crawlengine or /etc/crawlengine) and CRAWLER_* environment
variables, e.g. CRAWLER_ENGINE_WORKERS=8.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: search crawler.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	cmd.PersistentFlags().BoolVar(&opts.devLogs, "dev-logs", false, "human-readable development logs")

	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

// load reads configuration and builds the process logger, which also becomes
// zap's global logger.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.devLogs {
		cfg.Logging.Development = true
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
