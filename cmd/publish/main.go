// Command publish sends a synthetic message.created event straight to the
// stream. Development tool for exercising the pipeline without the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		orgID      = flag.String("org", "org-demo", "organization id")
		userID     = flag.String("user", "user-demo", "user id")
		text       = flag.String("text", "hello from the publish tool", "message text")
		sourceType = flag.String("source", "cli", "source type")
	)
	flag.Parse()

	logger := slog.Default()
	natsURL := envOr("NATS_URL", "nats://localhost:4222")
	stream := envOr("JETSTREAM_STREAM", "ingress_messages")

	nc, err := natsutil.Connect(natsURL, "netbuilder-publish")
	if err != nil {
		logger.Error("nats connect failed", "err", err)
		os.Exit(1)
	}
	defer nc.Drain()

	pub, err := natsutil.NewPublisher(nc, stream, natsutil.StreamSubjects)
	if err != nil {
		logger.Error("jetstream context failed", "err", err)
		os.Exit(1)
	}
	if err := pub.EnsureStream(); err != nil {
		logger.Error("ensure stream failed", "err", err)
		os.Exit(1)
	}

	evt := events.MessageCreatedEvent{
		EventType:    events.TypeMessageCreated,
		EventVersion: events.EventVersion,
		EventID:      uuid.New(),
		OrgID:        *orgID,
		Message: events.MessagePayload{
			MessageID:  uuid.New(),
			UserID:     *userID,
			TS:         time.Now().UTC(),
			SourceType: *sourceType,
			Text:       *text,
			Metadata:   map[string]any{},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := natsutil.PublishJSON(ctx, pub, events.MessagesSubject(*orgID), evt)
	if err != nil {
		logger.Error("publish failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("published message_id=%s org=%s stream=%s seq=%d\n",
		evt.Message.MessageID, *orgID, ack.Stream, ack.Seq)
}
