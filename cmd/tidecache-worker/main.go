package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/always-cache/tidecache"
	"github.com/always-cache/tidecache/config"
	"github.com/always-cache/tidecache/metrics"
	"github.com/always-cache/tidecache/pkg/graceful"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	hostFlag           string
	installFlag        string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (YAML)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL serving the shell (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin, if different from the origin URL")
	flag.StringVar(&installFlag, "install", "", "Version stamp to install on startup (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	conf, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	c := conf.Worker
	if portFlag != 0 {
		c.Port = portFlag
	}
	if originFlag != "" {
		c.Origin = originFlag
	}
	if hostFlag != "" {
		c.Host = hostFlag
	}
	if installFlag != "" {
		c.Version = installFlag
	}
	if dbFilenameFlag != "" {
		c.Store = config.Store{Driver: "sqlite", DSN: dbFilenameFlag}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	originURL, err := c.OriginURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Please specify origin")
	}
	store, err := c.Store.Open()
	if err != nil {
		log.Fatal().Err(err).Str("driver", c.Store.Driver).Msg("Could not open store")
	}
	defer store.Close()

	m := metrics.New()
	registry := tidecache.NewRegistry()
	partitionConfig := c.PartitionConfig()
	worker, err := tidecache.CreateWorker(tidecache.Config{
		Store:         store,
		OriginURL:     *originURL,
		Fetcher:       tidecache.NewNetworkFetcher(c.Host),
		Partition:     &partitionConfig,
		Clients:       registry,
		DynamicTTL:    c.DynamicTTL,
		SweepInterval: c.SweepInterval,
		Metrics:       m,
		Logger:        &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}
	defer worker.Close()

	if c.Version != "" {
		if err := worker.Install(ctx, c.Version); err != nil {
			log.Fatal().Err(err).Str("stamp", c.Version).Msg("Could not install version")
		}
	}

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Mount("/", worker.Router(registry))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Port))
	if err != nil {
		log.Fatal().Err(err).Int("port", c.Port).Msg("Cannot listen")
	}
	log.Info().Msgf("Serving %s on port %v (with hostname '%s')", originURL.String(), c.Port, c.Host)
	if err := graceful.Serve(ctx, &http.Server{Handler: r}, ln, graceful.DefaultTimeout); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
	log.Info().Msg("Worker stopped")
}
