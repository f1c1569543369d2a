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

	"github.com/always-cache/tidecache/config"
	"github.com/always-cache/tidecache/edge"
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
	backendFlag        string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (YAML)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&backendFlag, "backend", "", "Cache backend: ristretto, bigcache, redis or sqlite (overrides config)")
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
	c := conf.Edge
	if portFlag != 0 {
		c.Port = portFlag
	}
	if backendFlag != "" {
		c.Backend = backendFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := c.Policy()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not build edge policy")
	}
	edgeCache, err := c.OpenCache(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("backend", c.Backend).Msg("Could not open edge cache")
	}
	defer edgeCache.Close(context.WithoutCancel(ctx))

	m := metrics.New()
	proxy := edge.New(edge.Config{
		Cache:   edgeCache,
		Param:   c.Param,
		TTL:     c.TTL,
		Limiter: c.Limiter(),
		Policy:  policy,
		Metrics: m,
		Logger:  &log.Logger,
	})

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Handle("/*", proxy)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Port))
	if err != nil {
		log.Fatal().Err(err).Int("port", c.Port).Msg("Cannot listen")
	}
	log.Info().Msgf("Proxying on port %v with %s backend", c.Port, c.Backend)
	if err := graceful.Serve(ctx, &http.Server{Handler: r}, ln, graceful.DefaultTimeout); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}

	// pending stores must reach the cache before it is closed
	proxy.Wait()
	log.Info().Msg("Proxy stopped")
}
