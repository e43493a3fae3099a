// Command embedder consumes message.created events, computes embeddings
// through the configured backend, and emits message.embedded events.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/crosstalkai/network-builder/engine/embed"
	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/engine/store"
	"github.com/crosstalkai/network-builder/pkg/metrics"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
)

// Config holds all environment-based configuration.
type Config struct {
	NATSURL        string
	Stream         string
	Durable        string
	DeliverSubject string
	Provider       string
	ModelVersion   string
	Dim            int
	RemoteURL      string
	RemoteTimeout  time.Duration
	FallbackToStub bool
	PersistToDB    bool
	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string
	MetricsPort    int
}

func loadConfig() Config {
	return Config{
		NATSURL:        envOr("NATS_URL", "nats://localhost:4222"),
		Stream:         envOr("JETSTREAM_STREAM", "ingress_messages"),
		Durable:        envOr("EMBEDDER_DURABLE", "embedder_v1"),
		DeliverSubject: envOr("EMBEDDER_DELIVER_SUBJECT", "deliver.embedder.embedder_v1"),
		Provider:       strings.ToLower(envOr("EMBED_PROVIDER", "stub")),
		ModelVersion:   envOr("EMBED_MODEL_VERSION", "stub-768-v1"),
		Dim:            envInt("EMBED_DIM", 768),
		RemoteURL:      envOr("REMOTE_EMBED_URL", "http://localhost:8088/embed"),
		RemoteTimeout:  time.Duration(envInt("REMOTE_EMBED_TIMEOUT_SEC", 10)) * time.Second,
		FallbackToStub: envBool("EMBED_FALLBACK_TO_STUB", true),
		PersistToDB:    envBool("EMBED_PERSIST_TO_DB", false),
		DBHost:         envOr("DB_HOST", "localhost"),
		DBPort:         envInt("DB_PORT", 5432),
		DBName:         envOr("DB_NAME", "network_builder_db"),
		DBUser:         envOr("DB_USER", "network_builder_client"),
		DBPassword:     envOr("DB_PASSWORD", "network_builder_secret"),
		MetricsPort:    envInt("METRICS_PORT", 9092),
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

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "yes"
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Error("embedder exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.ServeAsync(cfg.MetricsPort, logger)

	nc, err := natsutil.Connect(cfg.NATSURL, "netbuilder-embedder")
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

	// --- Backend selection ---
	var backend embed.Backend
	switch cfg.Provider {
	case "remote":
		backend = embed.NewRemoteBackend(cfg.RemoteURL, cfg.Dim, cfg.RemoteTimeout)
	default:
		backend = embed.NewStubBackend(cfg.Dim)
	}

	workerCfg := embed.Config{
		ModelVersion: cfg.ModelVersion,
		Dim:          cfg.Dim,
	}
	if cfg.Provider == "remote" && cfg.FallbackToStub {
		workerCfg.Fallback = embed.NewStubBackend(cfg.Dim)
	}

	if cfg.PersistToDB {
		st, err := store.Connect(ctx, store.Conninfo(cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword))
		if err != nil {
			return err
		}
		defer st.Close()
		workerCfg.Store = st
	}

	worker := embed.NewWorker(backend, pub, workerCfg, logger)

	consumer := natsutil.NewPushConsumer(nc, natsutil.ConsumerConfig{
		Stream:         cfg.Stream,
		Durable:        cfg.Durable,
		FilterSubject:  events.SubjectPrefixMessages + ".>",
		DeliverSubject: cfg.DeliverSubject,
	}, logger)

	logger.Info("embedder running",
		"stream", cfg.Stream,
		"durable", cfg.Durable,
		"provider", cfg.Provider,
		"model_version", cfg.ModelVersion,
		"dim", cfg.Dim,
	)
	return consumer.Start(ctx, worker.HandleMsg)
}
