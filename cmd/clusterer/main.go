// Command clusterer consumes message.embedded events and maintains the
// online cluster state: nearest-centroid assignment, capped-mean centroid
// drift, and user participation, all inside one transaction per event.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/crosstalkai/network-builder/engine/cluster"
	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/engine/store"
	"github.com/crosstalkai/network-builder/pkg/metrics"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
)

// Config holds all environment-based configuration.
type Config struct {
	NATSURL      string
	Stream       string
	Durable      string
	SimThreshold float64
	CountCap     int
	DBHost       string
	DBPort       int
	DBName       string
	DBUser       string
	DBPassword   string
	MetricsPort  int
}

func loadConfig() Config {
	return Config{
		NATSURL:      envOr("NATS_URL", "nats://localhost:4222"),
		Stream:       envOr("JETSTREAM_STREAM", "ingress_messages"),
		Durable:      envOr("CLUSTERER_DURABLE", "clusterer_v1"),
		SimThreshold: envFloat("CLUSTER_ASSIGN_SIM_THRESHOLD", cluster.DefaultParams.SimThreshold),
		CountCap:     envInt("CLUSTER_COUNT_CAP", cluster.DefaultParams.CountCap),
		DBHost:       envOr("DB_HOST", "localhost"),
		DBPort:       envInt("DB_PORT", 5432),
		DBName:       envOr("DB_NAME", "network_builder_db"),
		DBUser:       envOr("DB_USER", "network_builder_client"),
		DBPassword:   envOr("DB_PASSWORD", "network_builder_secret"),
		MetricsPort:  envInt("METRICS_PORT", 9093),
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

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("clusterer exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.ServeAsync(cfg.MetricsPort, logger)

	nc, err := natsutil.Connect(cfg.NATSURL, "netbuilder-clusterer")
	if err != nil {
		return err
	}
	defer nc.Drain()

	pub, err := natsutil.NewPublisher(nc, cfg.Stream, natsutil.StreamSubjects)
	if err != nil {
		return err
	}
	if err := pub.EnsureStream(); err != nil {
		return err
	}

	st, err := store.Connect(ctx, store.Conninfo(cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword))
	if err != nil {
		return err
	}
	defer st.Close()

	worker := cluster.NewWorker(st, pub, cluster.Params{
		SimThreshold: cfg.SimThreshold,
		CountCap:     cfg.CountCap,
	}, logger)

	consumer, err := natsutil.NewPullConsumer(nc, natsutil.ConsumerConfig{
		Stream:        cfg.Stream,
		Durable:       cfg.Durable,
		FilterSubject: events.SubjectPrefixEmbeddings + ".>",
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("clusterer running",
		"stream", cfg.Stream,
		"durable", cfg.Durable,
		"sim_threshold", cfg.SimThreshold,
		"count_cap", cfg.CountCap,
	)
	return consumer.Run(ctx, worker.HandleMsg)
}
