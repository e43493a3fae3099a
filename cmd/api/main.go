// Command api serves the HTTP surface: message ingress, the connections
// query, health, and metrics.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/crosstalkai/network-builder/engine/api"
	"github.com/crosstalkai/network-builder/engine/connections"
	"github.com/crosstalkai/network-builder/engine/store"
	"github.com/crosstalkai/network-builder/pkg/mid"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
	"github.com/crosstalkai/network-builder/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	NATSURL     string
	Stream      string
	Subjects    []string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	IngestRate  float64
	IngestBurst int
}

func loadConfig() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		NATSURL:     envOr("NATS_URL", "nats://localhost:4222"),
		Stream:      envOr("JETSTREAM_STREAM", "ingress_messages"),
		Subjects:    envSubjects("JETSTREAM_SUBJECTS"),
		DBHost:      envOr("DB_HOST", "localhost"),
		DBPort:      envInt("DB_PORT", 5432),
		DBName:      envOr("DB_NAME", "network_builder_db"),
		DBUser:      envOr("DB_USER", "network_builder_client"),
		DBPassword:  envOr("DB_PASSWORD", "network_builder_secret"),
		IngestRate:  envFloat("INGEST_RATE_PER_SEC", 200),
		IngestBurst: envInt("INGEST_BURST", 400),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envSubjects(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return natsutil.StreamSubjects
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to NATS / JetStream ---
	nc, err := natsutil.Connect(cfg.NATSURL, "netbuilder-api")
	if err != nil {
		return err
	}
	defer nc.Drain()

	pub, err := natsutil.NewPublisher(nc, cfg.Stream, cfg.Subjects)
	if err != nil {
		return err
	}
	if err := pub.EnsureStream(); err != nil {
		return err
	}
	logger.Info("jetstream stream ready", "stream", cfg.Stream)

	// --- Connect to Postgres ---
	st, err := store.Connect(ctx, store.Conninfo(cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword))
	if err != nil {
		return err
	}
	defer st.Close()

	conns := connections.New(st)
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.IngestRate, Burst: cfg.IngestBurst})

	srv := api.New(pub, conns, limiter, logger)
	handler := mid.Chain(srv.Routes(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("netbuilder-api"),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
