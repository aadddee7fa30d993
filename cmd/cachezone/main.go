package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/cachezone"
	"github.com/always-cache/cachezone/cache"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	portFlag           int
	adminPortFlag      int
	storeFlag          string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config, default 8080)")
	flag.IntVar(&adminPortFlag, "admin-port", 0, "Port of the admin API (overrides config, disabled if unset)")
	flag.StringVar(&storeFlag, "store", "", "Record store: memory, sqlite or leveldb (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Record store file or directory (overrides config)")
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

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	store, err := cache.OpenStore(config.Zone.Store, config.Zone.Path, config.Zone.HotItems)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open record store")
	}
	zone := cache.NewZone(cache.Config{
		MaxSizeBytes:    config.MaxSizeBytes(),
		InactiveTimeout: config.InactiveTimeout(),
		Store:           store,
		Logger:          &log.Logger,
	})
	defer zone.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := zone.Open(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not load stored entries")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := cachezone.NewMetrics(registry, zone)

	proxy := cachezone.CreateProxy(cachezone.Config{
		Zone:       zone,
		OriginURL:  config.OriginURL(),
		OriginHost: config.OriginHost,
		Policy:     config.Policy(),
		Logger:     &log.Logger,
		Metrics:    metrics,
	})
	sweeper := &cachezone.Sweeper{
		Zone:     zone,
		Interval: config.SweepInterval(),
		Metrics:  metrics,
		Logger:   &log.Logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{{
		Addr:              config.Listen,
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if config.Admin != "" {
		servers = append(servers, &http.Server{
			Addr:              config.Admin,
			Handler:           proxy.AdminHandler(sweeper, registry),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	for _, srv := range servers {
		g.Go(func() error {
			log.Info().Msgf("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	log.Info().Msgf("Proxying %s to %s (with hostname '%s')", config.Listen, config.Origin, config.OriginHost)
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Shut down")
}

// loadConfig reads the config file if there is one and applies the flags on top.
func loadConfig() (cachezone.FileConfig, error) {
	config := cachezone.DefaultFileConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = cachezone.ReadConfig(configFilenameFlag); err != nil {
			return config, err
		}
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if portFlag != 0 {
		config.Listen = fmt.Sprintf(":%d", portFlag)
	}
	if adminPortFlag != 0 {
		config.Admin = fmt.Sprintf(":%d", adminPortFlag)
	}
	if storeFlag != "" {
		config.Zone.Store = storeFlag
	}
	if dbFilenameFlag != "" {
		config.Zone.Path = dbFilenameFlag
	}
	return config, config.Compile()
}
