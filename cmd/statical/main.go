package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"statical/pkg/config"
	"statical/pkg/crawler"
	"statical/pkg/fetch"
	applog "statical/pkg/log"
	"statical/pkg/sitemap"
	"statical/pkg/storage"
)

const version = "1.0.0"

const defaultConfigFile = "statical.yaml"

// Exit codes
const (
	exitOK    = 0
	exitCrawl = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// options holds the raw command-line values. Only flags that were given on
// the command line override the config file.
type options struct {
	configFile     string
	site           string
	outputDir      string
	baseURL        string
	evalSitemap    string
	sitemapFile    string
	concurrency    int
	logLevel       string
	stateDir       string
	metadataFile   string
	visitedLogFile string
	structureFile  string
}

func newFlagSet(opts *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("statical", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configFile, "config", defaultConfigFile, "YAML config file (optional at the default path)")
	fs.StringVar(&opts.site, "site", "", "Crawl target host URL (required, must start with http)")
	fs.StringVar(&opts.site, "s", "", "Shorthand for -site")
	fs.StringVar(&opts.outputDir, "outputdir", config.DefaultOutputDir, "Output directory")
	fs.StringVar(&opts.outputDir, "o", config.DefaultOutputDir, "Shorthand for -outputdir")
	fs.StringVar(&opts.baseURL, "base-url", "", "Public base URL for sitemap.xml (required, must start with http)")
	fs.StringVar(&opts.evalSitemap, "eval-sitemap", "", "Shell command whose stdout is the sitemap XML")
	fs.StringVar(&opts.evalSitemap, "e", "", "Shorthand for -eval-sitemap")
	fs.StringVar(&opts.sitemapFile, "sitemap-file", "", `Read the sitemap from a file ("-" for stdin)`)
	fs.IntVar(&opts.concurrency, "concurrency", config.DefaultMaxConcurrentFetches, "Maximum concurrent fetches")
	fs.IntVar(&opts.concurrency, "c", config.DefaultMaxConcurrentFetches, "Shorthand for -concurrency")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.stateDir, "state-dir", "", "Persist the Seen Set and crawl ledger in badger under this directory")
	fs.StringVar(&opts.metadataFile, "metadata", "", "Write a YAML crawl summary to this path")
	fs.StringVar(&opts.visitedLogFile, "write-visited-log", "", "Write the visited references log to this path")
	fs.StringVar(&opts.structureFile, "structure-file", "", "Write the output directory tree to this path")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: statical [options]\n       statical version\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  statical -s http://localhost:8000 --base-url https://frontside.com\n")
		fmt.Fprintf(stderr, "  statical -s http://localhost:8000 --base-url https://example.com -e 'cat public/sitemap.xml' -o dist\n")
	}
	return fs
}

// run is main without the process exit, so it can be tested.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "version" {
		fmt.Fprintf(stdout, "statical %s\n", version)
		return exitOK
	}

	var opts options
	fs := newFlagSet(&opts, stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Unexpected argument: %s\n\n", fs.Arg(0))
		fs.Usage()
		return exitUsage
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(opts.configFile, set["config"])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	applyFlags(cfg, &opts, set)

	warnings, err := cfg.Validate()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fs.Usage()
		return exitUsage
	}

	log, logCloser, err := applog.NewLogger(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer logCloser.Close()
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(cfg, log)

	site, err := url.Parse(cfg.Site)
	if err != nil {
		log.Errorf("Invalid site URL '%s': %v", cfg.Site, err)
		return exitUsage
	}

	// ===========================================================
	// == Setup Context & Signal Handling ==
	// ===========================================================
	crawlCtx, cancelCrawl := context.WithCancel(context.Background())
	defer cancelCrawl()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	done := make(chan struct{})
	defer close(done)

	// Cancel on the first signal, force exit on the second or after a grace period
	go func() {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-done:
			return
		}
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancelCrawl()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(exitCrawl)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(exitCrawl)
		case <-done:
		}
	}()

	// ===========================================================
	// == Initialize Components ==
	// ===========================================================
	baseEntry := logrus.NewEntry(log)

	store, err := newStore(cfg, site, baseEntry)
	if err != nil {
		log.Errorf("Failed to initialize crawl store: %v", err)
		return exitCrawl
	}
	defer store.Close()

	httpClient := fetch.NewClient(cfg.HTTPClientSettings, baseEntry)
	fetcher := fetch.NewFetcher(httpClient, cfg.UserAgent, baseEntry.WithField("component", "fetcher"))
	source := sitemap.SelectSource(site, cfg.SitemapFile, cfg.EvalSitemap, fetcher, stdin)

	c, err := crawler.NewCrawler(cfg, source, fetcher, store, baseEntry)
	if err != nil {
		log.Errorf("Failed to initialize crawler: %v", err)
		return exitUsage
	}

	// ===========================================================
	// == Crawl ==
	// ===========================================================
	_, err = c.Run(crawlCtx)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Warn("Crawl cancelled before completion.")
		case errors.Is(err, context.DeadlineExceeded):
			log.Error("Crawl timed out (global timeout).")
		default:
			log.Errorf("Crawl finished with error: %v", err)
		}
		return exitCrawl
	}

	log.Info("Crawl completed successfully.")
	return exitOK
}

// loadConfig reads the YAML config at path. A missing file is only an error
// when the path was given explicitly.
func loadConfig(path string, explicit bool) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &config.AppConfig{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// applyFlags copies explicitly given flags over the file configuration.
func applyFlags(cfg *config.AppConfig, opts *options, set map[string]bool) {
	given := func(names ...string) bool {
		for _, n := range names {
			if set[n] {
				return true
			}
		}
		return false
	}
	if given("site", "s") {
		cfg.Site = opts.site
	}
	if given("outputdir", "o") {
		cfg.OutputDir = opts.outputDir
	}
	if given("base-url") {
		cfg.BaseURL = opts.baseURL
	}
	if given("eval-sitemap", "e") {
		cfg.EvalSitemap = opts.evalSitemap
	}
	if given("sitemap-file") {
		cfg.SitemapFile = opts.sitemapFile
	}
	if given("concurrency", "c") {
		cfg.MaxConcurrentFetches = opts.concurrency
	}
	if given("loglevel") {
		cfg.Log.Level = opts.logLevel
	}
	if given("state-dir") {
		cfg.StateDir = opts.stateDir
	}
	if given("metadata") {
		cfg.MetadataFile = opts.metadataFile
	}
	if given("write-visited-log") {
		cfg.VisitedLogFile = opts.visitedLogFile
	}
	if given("structure-file") {
		cfg.StructureFile = opts.structureFile
	}
}

// newStore opens a BadgerStore under cfg.StateDir, or keeps the crawl state in
// memory when no state directory is configured.
func newStore(cfg *config.AppConfig, site *url.URL, log *logrus.Entry) (storage.CrawlStore, error) {
	storeLog := log.WithField("component", "store")
	if cfg.StateDir == "" {
		storeLog.Debug("No state directory configured, keeping crawl state in memory.")
		return storage.NewMemoryStore(storeLog), nil
	}
	store, err := storage.NewBadgerStore(cfg.StateDir, site.Host, storeLog)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// logAppConfig logs the effective configuration
func logAppConfig(cfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Site:%s, BaseURL:%s, OutputDir:%s", cfg.Site, cfg.BaseURL, cfg.OutputDir)
	log.Infof("Config: MaxConcurrentFetches:%d, UserAgent:%s, GlobalCrawlTimeout:%v, StateDir:%s",
		cfg.MaxConcurrentFetches, cfg.UserAgent, cfg.GlobalCrawlTimeout, cfg.StateDir)
	log.Infof("Config Selectors: Link:%v, Source:%v, Exclude:%v",
		cfg.LinkSelectors, cfg.SourceSelectors, cfg.ExcludePatterns)
	log.Infof("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v, MaxRedirects:%d",
		cfg.HTTPClientSettings.Timeout, cfg.HTTPClientSettings.MaxIdleConns, cfg.HTTPClientSettings.MaxIdleConnsPerHost,
		cfg.HTTPClientSettings.IdleConnTimeout, cfg.HTTPClientSettings.TLSHandshakeTimeout, cfg.HTTPClientSettings.DialerTimeout,
		cfg.HTTPClientSettings.MaxRedirects)
}
