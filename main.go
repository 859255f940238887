// command redarc
package main

// SPDX-License-Identifier: GPL-3.0-only

// This is the main entry point for redarc, an incremental subreddit
// archiver and media download tool.

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

var (
	// Build information, set via -ldflags at build time.
	buildGitCommitHash = "unknown"
	buildTimestamp     = "unknown"
)

// Config holds the application configuration parsed from CLI flags.
type Config struct {
	Debug bool // Enable debug logging

	// Modes, mutually exclusive.
	Update bool   // Scrape all (or one) registered sources once
	Watch  bool   // Keep scraping sources on their intervals
	List   bool   // List registered sources
	Add    bool   // Register a source
	Remove bool   // Unregister a source
	Import string // Add every subreddit linked from a URL or HTML file
	Browse bool   // Serve a source's archive over a local JSON API

	Force          bool // Scrape even when the interval hasn't elapsed
	DownloadPosts  bool // Run the media download stage
	FavoritesOnly  bool // Restrict downloads to favorited posts
	CumulativeStop bool // Cumulative reading of the no-new-posts stop
	Recursive      bool // Discover sources from existing archive dirs

	// Listing variants, mutually exclusive; first set wins in the order
	// top, hot, new, rising, controversial, promoted.
	Top           bool
	Hot           bool
	New           bool
	Rising        bool
	Controversial bool
	Promoted      bool

	SortField string // Sort field for --list
	SortOrder string // Sort order for --list

	ScrapeInterval int  // Per-source scrape interval in seconds
	ScrapeDelay    int  // Per-source delay after a scrape in seconds
	NSFW           bool // Mark the source NSFW
	SFW            bool // Clear the source's NSFW mark
	NoExport       bool // Skip the export stage for the source
	Disable        bool // Keep the source registered but don't scrape it
	Enable         bool // Re-enable a disabled source

	BrowseAddr string // Listen address for --browse

	DataDir string // Archive root directory (first positional)
	URL     string // Source URL (second positional)
}

// Variant returns the listing variant selected by the flags, first match
// winning in the fixed priority order.
func (c *Config) Variant() ListingVariant {
	switch {
	case c.Top:
		return VariantTop
	case c.Hot:
		return VariantHot
	case c.New:
		return VariantNew
	case c.Rising:
		return VariantRising
	case c.Controversial:
		return VariantControversial
	case c.Promoted:
		return VariantPromoted
	}
	return VariantDefault
}

// SourceOptions converts the per-source flags into a settings patch, only
// including flags the user actually passed.
func (c *Config) SourceOptions(flags *pflag.FlagSet) SourceOptions {
	opts := SourceOptions{}
	if flags.Changed("scrape-interval") {
		opts.ScrapeInterval = &c.ScrapeInterval
	}
	if flags.Changed("scrape-delay") {
		opts.ScrapeDelay = &c.ScrapeDelay
	}
	if flags.Changed("download-posts") {
		opts.DownloadPosts = &c.DownloadPosts
	}
	if flags.Changed("no-export") {
		opts.NoExport = &c.NoExport
	}
	if c.NSFW {
		t := true
		opts.NSFW = &t
	}
	if c.SFW {
		f := false
		opts.NSFW = &f
	}
	if c.Disable {
		t := true
		opts.Disabled = &t
	}
	if c.Enable {
		f := false
		opts.Disabled = &f
	}
	return opts
}

func main() {
	config := ParseFlags()
	logger := CreateLogger(os.Stderr, config.Debug)
	client := NewHTTPClient(logger)

	logger.Info("Starting redarc",
		"commit", buildGitCommitHash,
		"buildDate", buildTimestamp)
	logger.Debug("Configuration", "config", fmt.Sprintf("%+v", config))

	err := run(logger, client, config)
	if err != nil {
		logger.Error("Application error", "error", err)
		os.Exit(1)
	}

	logger.Info("Done!")
}

func run(logger *slog.Logger, client Client, config Config) error {
	registry, err := NewSourceRegistry(logger, config.DataDir)
	if err != nil {
		return err
	}

	if config.Recursive {
		err = registry.ScanSidecars()
		if err != nil {
			return err
		}
	}

	switch {
	case config.Add:
		_, err = registry.Add(config.URL, config.SourceOptions(pflag.CommandLine))
		return err

	case config.Remove:
		return registry.Remove(config.URL)

	case config.List:
		return listSources(registry, config.SortField, config.SortOrder)

	case config.Import != "":
		importer := NewImporter(logger, client, registry)
		_, err = importer.Import(config.Import, config.SourceOptions(pflag.CommandLine))
		return err

	case config.Browse:
		return browseSource(logger, client, registry, config)

	case config.Watch:
		return watchSources(logger, client, registry, config)

	case config.Update:
		return updateSources(logger, client, registry, config)
	}

	// Unreachable: ParseFlags enforces that one mode is selected.
	fatalInvariant("no mode selected")
	return nil
}

func archiveOptions(config Config) ArchiveOptions {
	return ArchiveOptions{
		Force:          config.Force,
		Variant:        config.Variant(),
		CumulativeStop: config.CumulativeStop,
		DownloadPosts:  config.DownloadPosts,
		FavoritesOnly:  config.FavoritesOnly,
	}
}

func updateSources(logger *slog.Logger, client Client, registry *SourceRegistry, config Config) error {
	opts := archiveOptions(config)
	if config.URL != "" && opts.Variant == VariantDefault {
		// A listing URL like .../r/pics/new selects the variant when no
		// variant flag does.
		opts.Variant = VariantFromURL(config.URL)
	}
	archiver := NewArchiver(logger, client, registry, config.DataDir, opts)

	if config.URL != "" {
		src, err := registry.Get(config.URL)
		if err != nil {
			return err
		}
		err = archiver.UpdateSource(src)
		printStats(logger, archiver.Stats())
		return err
	}

	stats, err := archiver.RunAll()
	if stats != nil {
		printStats(logger, *stats)
	}
	return err
}

func watchSources(logger *slog.Logger, client Client, registry *SourceRegistry, config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archiver := NewArchiver(logger, client, registry, config.DataDir, archiveOptions(config))
	stats, err := archiver.Watch(ctx)
	if stats != nil {
		printStats(logger, *stats)
	}
	return err
}

func browseSource(logger *slog.Logger, client Client, registry *SourceRegistry, config Config) error {
	src, err := registry.Get(config.URL)
	if err != nil {
		return err
	}

	server, err := NewBrowseServer(logger, client, src.DataDir(config.DataDir))
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.ListenAndServe(ctx, config.BrowseAddr)
}

func listSources(registry *SourceRegistry, sortField string, sortOrder string) error {
	sources, err := registry.List(sortField, sortOrder)
	if err != nil {
		return err
	}

	for _, src := range sources {
		state := ""
		if src.Disabled {
			state = " (disabled)"
		}
		lastScraped := "never"
		if src.LastScraped != nil {
			lastScraped = time.Unix(*src.LastScraped, 0).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-40s interval=%ds last_scraped=%s%s\n",
			SourceDisplayName(src.URL), src.ScrapeInterval, lastScraped, state)
	}
	return nil
}

func printStats(logger *slog.Logger, stats ArchiveStats) {
	logger.Info("Run summary",
		"sources", stats.Sources,
		"skipped", stats.Skipped,
		"scraped", stats.Scraped,
		"new", stats.New,
		"downloads_attempted", stats.Downloaded)
}

// ParseFlags parses command line flags and returns a Config.
//
// Returns:
//   - Config: A populated configuration struct with values from CLI flags
func ParseFlags() Config {
	config := Config{}

	pflag.BoolVarP(&config.Debug, "debug", "d", false, "Enable debug logging")

	pflag.BoolVarP(&config.Update, "update", "u", false, "Scrape registered sources once")
	pflag.BoolVarP(&config.Watch, "watch", "w", false, "Keep scraping sources on their intervals")
	pflag.BoolVarP(&config.List, "list", "l", false, "List registered sources")
	pflag.BoolVarP(&config.Add, "add", "a", false, "Register the source given by <url>")
	pflag.BoolVarP(&config.Remove, "remove", "r", false, "Unregister the source given by <url>")
	pflag.StringVarP(&config.Import, "import", "i", "", "Add every subreddit linked from a URL or HTML file")
	pflag.BoolVarP(&config.Browse, "browse", "b", false, "Serve the source's archive over a local JSON API")

	pflag.BoolVarP(&config.Force, "force", "f", false, "Scrape even when the interval hasn't elapsed")
	pflag.BoolVar(&config.DownloadPosts, "download-posts", false, "Download post media (also a per-source setting with --add)")
	pflag.BoolVar(&config.FavoritesOnly, "favorites", false, "Restrict downloads to favorited posts")
	pflag.BoolVar(&config.CumulativeStop, "cumulative-stop", false,
		"Stop a walk only when no page so far had new posts, instead of per page")
	pflag.BoolVar(&config.Recursive, "recursive", false, "Discover sources from existing archive directories")

	pflag.BoolVar(&config.Top, "top", false, "Scrape the top listing")
	pflag.BoolVar(&config.Hot, "hot", false, "Scrape the hot listing")
	pflag.BoolVar(&config.New, "new", false, "Scrape the new listing")
	pflag.BoolVar(&config.Rising, "rising", false, "Scrape the rising listing")
	pflag.BoolVar(&config.Controversial, "controversial", false, "Scrape the controversial listing")
	pflag.BoolVar(&config.Promoted, "promoted", false, "Scrape the promoted listing")

	pflag.StringVar(&config.SortField, "sort", "", "Sort field for --list (url, added_at, last_scraped, scrape_interval)")
	pflag.StringVar(&config.SortOrder, "order", "", "Sort order for --list (asc, desc)")

	pflag.IntVar(&config.ScrapeInterval, "scrape-interval", defaultScrapeInterval, "Seconds between scrapes of a source")
	pflag.IntVar(&config.ScrapeDelay, "scrape-delay", defaultScrapeDelay, "Seconds to pause after scraping a source")
	pflag.BoolVar(&config.NSFW, "nsfw", false, "Mark the source NSFW")
	pflag.BoolVar(&config.SFW, "sfw", false, "Clear the source's NSFW mark")
	pflag.BoolVar(&config.NoExport, "no-export", false, "Skip the export stage for the source")
	pflag.BoolVar(&config.Disable, "disable", false, "Keep the source registered but don't scrape it")
	pflag.BoolVar(&config.Enable, "enable", false, "Re-enable a disabled source")

	pflag.StringVar(&config.BrowseAddr, "browse-addr", "127.0.0.1:8370", "Listen address for --browse")

	pflag.Parse()

	config.DataDir = pflag.Arg(0)
	config.URL = pflag.Arg(1)

	modes := 0
	for _, on := range []bool{
		config.Update, config.Watch, config.List, config.Add, config.Remove,
		config.Import != "", config.Browse,
	} {
		if on {
			modes++
		}
	}
	needsURL := config.Add || config.Remove || config.Browse

	if modes != 1 || pflag.NArg() > 2 || config.DataDir == "" || (needsURL && config.URL == "") {
		fmt.Fprintf(os.Stderr,
			"usage: %s [-d] (-u | -w | -l | -a | -r | -b | -i <page>) [options] <data_dir> [url]\n\n",
			os.Args[0])
		pflag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "\nExactly one of --update, --watch, --list, --add, --remove, --import, --browse must be specified")
		os.Exit(1)
	}

	return config
}

// CreateLogger creates a new slog.Logger instance with the specified output
// writer and log level based on the debug flag.
//
// Parameters:
//   - w: The io.Writer where log output will be written
//   - debug: If true, sets log level to Debug; otherwise sets to Info
//
// Returns:
//   - *slog.Logger: A configured logger instance
func CreateLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// fatalInvariant intentionally panics when a fundamental assumption is broken.
// These checks keep the archiver from continuing in a corrupted state, so we do
// not attempt to recover or retry if one of them triggers.  This is used in
// cases where an error must not be returned up the stack, because the caller
// must not be allowed to retry or continue processing.
func fatalInvariant(message any) {
	panic(message)
}
