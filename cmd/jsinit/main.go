// Command jsinit bootstraps the JetStream stream and the durable consumers
// used by the pipeline. Safe to run repeatedly.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

	natsURL := envOr("NATS_URL", "nats://localhost:4222")
	stream := envOr("JETSTREAM_STREAM", "ingress_messages")

	nc, err := natsutil.Connect(natsURL, "netbuilder-jsinit")
	if err != nil {
		logger.Error("nats connect failed", "err", err)
		os.Exit(1)
	}
	defer nc.Drain()

	subjects := envSubjects("JETSTREAM_SUBJECTS")
	pub, err := natsutil.NewPublisher(nc, stream, subjects)
	if err != nil {
		logger.Error("jetstream context failed", "err", err)
		os.Exit(1)
	}
	if err := pub.EnsureStream(); err != nil {
		logger.Error("ensure stream failed", "stream", stream, "err", err)
		os.Exit(1)
	}
	logger.Info("stream ready", "stream", stream, "subjects", subjects)

	consumers := []natsutil.ConsumerConfig{
		{
			Stream:        stream,
			Durable:       "api_messages_v1",
			FilterSubject: events.SubjectPrefixMessages + ".>",
		},
		{
			Stream:         stream,
			Durable:        "embedder_v1",
			FilterSubject:  events.SubjectPrefixMessages + ".>",
			DeliverSubject: envOr("EMBEDDER_DELIVER_SUBJECT", "deliver.embedder.embedder_v1"),
		},
		{
			Stream:        stream,
			Durable:       "clusterer_v1",
			FilterSubject: events.SubjectPrefixEmbeddings + ".>",
		},
	}

	for _, cfg := range consumers {
		if err := natsutil.EnsureConsumer(nc, cfg); err != nil {
			logger.Error("ensure consumer failed", "durable", cfg.Durable, "err", err)
			os.Exit(1)
		}
		logger.Info("consumer ready", "durable", cfg.Durable, "filter", cfg.FilterSubject)
	}
}
