package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"couchwarm/internal/api"
	"couchwarm/internal/config"
	"couchwarm/internal/couch"
	"couchwarm/internal/history"
	"couchwarm/internal/metrics"
	"couchwarm/internal/scheduler"
)

var version = "0.4.0"

const usage = `Usage: couchwarm [options] <database-url>

Queries one view of every design document in a CouchDB database so the
server builds its indexes, keeping the number of server active tasks under
a limit.

The database URL may be abbreviated:
  mydb                    http://127.0.0.1:5984/mydb
  :5985/mydb              http://127.0.0.1:5985/mydb
  admin:pw@host:5984/db   http://admin:pw@host:5984/db

Options:
  --max-active-tasks <n>  limit on server active tasks (default: unbounded)
  --filter <regexp>       only index design documents whose name matches
  --poll-interval <dur>   time between active task polls (default: 500ms)
  --legacy-prune          treat a view as done as soon as the server stops
                          listing it, even if it was never seen indexing
  --config <file>         YAML config file
  --history <file>        record runs in a SQLite file
  --schedule <cron>       keep running and re-index on a cron schedule
  --listen <addr>         serve /health, /metrics and /api/runs on addr
  --log-level <level>     debug, info, warn or error (default: info)
  --log-format <format>   console or json (default: console)
  --version               print the version
  -h, --help              print this help
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("couchwarm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		configPath   = fs.String("config", "", "YAML config file")
		maxActive    = fs.String("max-active-tasks", "", "limit on server active tasks")
		filter       = fs.String("filter", "", "design document name regexp")
		pollInterval = fs.Duration("poll-interval", 0, "time between active task polls")
		legacyPrune  = fs.Bool("legacy-prune", false, "prune views the server does not list without confirmation")
		historyPath  = fs.String("history", "", "SQLite run history file")
		schedule     = fs.String("schedule", "", "cron schedule")
		listen       = fs.String("listen", "", "status server address")
		logLevel     = fs.String("log-level", "", "log level")
		logFormat    = fs.String("log-format", "", "log format")
		showVersion  = fs.Bool("version", false, "print the version")
	)

	positional, err := parseInterspersed(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprint(stdout, usage)
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "%v\n\n%s", err, usage)
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["max-active-tasks"] {
		n, err := strconv.Atoi(*maxActive)
		if err != nil || n < 0 {
			fmt.Fprintf(stderr, "--max-active-tasks must be a non-negative number, got %q\n\n%s", *maxActive, usage)
			return 2
		}
		cfg.Indexer.MaxActiveTasks = n
	}
	if set["filter"] {
		cfg.Indexer.Filter = *filter
	}
	if set["poll-interval"] {
		cfg.Indexer.PollInterval = *pollInterval
	}
	if set["legacy-prune"] {
		cfg.Indexer.ConfirmActive = !*legacyPrune
	}
	if set["history"] {
		cfg.History.Path = *historyPath
	}
	if set["schedule"] {
		cfg.Indexer.Schedule = *schedule
	}
	if set["listen"] {
		cfg.Server.Addr = *listen
	}
	if set["log-level"] {
		cfg.Log.Level = *logLevel
	}
	if set["log-format"] {
		cfg.Log.Format = *logFormat
	}

	if len(positional) > 1 {
		fmt.Fprintf(stderr, "expected one database url, got %d\n\n%s", len(positional), usage)
		return 2
	}
	if len(positional) == 1 {
		cfg.CouchDB.URL = positional[0]
	}
	if cfg.CouchDB.URL == "" {
		fmt.Fprint(stderr, usage)
		return 2
	}
	if expanded := couch.ExpandURL(cfg.CouchDB.URL); expanded != cfg.CouchDB.URL {
		fmt.Fprintf(stdout, "Inferring parts of database URL not supplied: %s -> %s\n\n", cfg.CouchDB.URL, expanded)
		cfg.CouchDB.URL = expanded
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n%s", err, usage)
		return 2
	}

	if err := setupLogging(cfg.Log, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}
	if cfg.Indexer.Schedule == "" {
		fmt.Fprintf(stdout, "All views indexed for database: %s\n", redact(cfg.CouchDB.URL))
	}
	return 0
}

// serve runs once, or on cfg's schedule until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	client, err := couch.NewClient(cfg.CouchDB.URL, couch.Options{Timeout: cfg.CouchDB.Timeout})
	if err != nil {
		return err
	}
	filter, err := cfg.FilterRegexp()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	w := &warmer{
		db:      client,
		cfg:     cfg.Indexer,
		filter:  filter,
		metrics: metrics.NewScheduler(reg),
		status:  api.NewStatus(),
	}

	if cfg.History.Path != "" {
		db, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		w.store = history.NewStore(db)
		if n, err := w.store.RecoverStale(ctx); err != nil {
			log.Warn().Err(err).Msg("recover stale runs")
		} else if n > 0 {
			log.Info().Int("recovered", n).Msg("marked interrupted runs as failed")
		}
	}

	if cfg.Server.Addr != "" {
		var runs api.RunStore
		if w.store != nil {
			runs = w.store
		}
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.NewServer(runs, w.status, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server")
			}
		}()
		defer func() {
			ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelTimeout()
			_ = srv.Shutdown(ctxTimeout)
		}()
	}

	if cfg.Indexer.Schedule == "" {
		return w.run(ctx)
	}

	svc, err := scheduler.NewService(cfg.Indexer.Schedule, w.run, time.Second)
	if err != nil {
		return err
	}
	svc.Start(ctx, true)
	log.Info().Msg("shutting down")
	return nil
}

func setupLogging(cfg config.LogConfig, out io.Writer) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	}
	return nil
}

// parseInterspersed lets flags follow the database url.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		// Everything after a "--" terminator is positional.
		if consumed := len(args) - len(rest); consumed > 0 && args[consumed-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
