package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/thermoflow/thermoflow/internal/adapters/store"
	"github.com/thermoflow/thermoflow/internal/logger"
	"github.com/thermoflow/thermoflow/internal/storeapi"
)

func main() {
	addr := flag.String("addr", ":8067", "Listen address")
	table := flag.String("table", "telemetry", "Telemetry table name")
	nodes := flag.Int("expected-nodes", 1581, "Required temperature array length; 0 checks against num_nodes")
	level := flag.String("log-level", "info", "Log level")
	format := flag.String("log-format", logger.FormatConsole, "Log format: console or json")
	flag.Parse()

	log, err := logger.New(*level, *format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thermo-store: %v\n", err)
		os.Exit(2)
	}

	if err := run(*addr, *table, *nodes, log); err != nil {
		log.Fatal().Err(err).Msg("thermo-store failed")
	}
}

func run(addr, table string, nodes int, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", connString())
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := store.NewTelemetryTable(db, table)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = repo.EnsureSchema(initCtx)
	cancel()
	if err != nil {
		return err
	}
	log.Info().Str("table", table).Msg("database initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewDBStatsCollector(db, "telemetry"))

	router := storeapi.NewServer(repo, log, nodes, reg).Router()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("ingestion store listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msg("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// connString builds the PostgreSQL DSN from DB_HOST, DB_PORT, DB_NAME,
// DB_USER and DB_PASSWORD.
func connString() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		env("DB_HOST", "localhost"),
		env("DB_PORT", "5432"),
		env("DB_NAME", "telemetry_db"),
		env("DB_USER", "postgres"),
		env("DB_PASSWORD", "postgres"),
	)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
