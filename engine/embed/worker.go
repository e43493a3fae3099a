package embed

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/crosstalkai/network-builder/engine/domain"
	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/pkg/fn"
	"github.com/crosstalkai/network-builder/pkg/metrics"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
)

// Publisher publishes outbound events to the stream.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) (natsutil.Ack, error)
}

// Store persists the message and its embedding when persistence is on.
type Store interface {
	PersistIngest(ctx context.Context, m domain.Message, modelVersion string, embedding []float32) error
}

// Config holds the worker knobs.
type Config struct {
	ModelVersion string
	Dim          int
	// Fallback serves embeddings when the primary backend fails. Nil
	// disables fallback, leaving failed deliveries for redelivery.
	Fallback Backend
	// Store persists message + embedding rows when non-nil.
	Store Store
	// Retry bounds in-process retries of the primary backend before the
	// fallback (or redelivery) takes over.
	Retry fn.RetryOpts
}

// Worker consumes message.created events, embeds the text, and emits
// message.embedded events with the original payload copied through.
type Worker struct {
	backend Backend
	pub     Publisher
	cfg     Config
	log     *slog.Logger
	now     func() time.Time // for testing
}

// NewWorker creates an embedder worker.
func NewWorker(backend Backend, pub Publisher, cfg Config, log *slog.Logger) *Worker {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = fn.RetryOpts{MaxAttempts: 2, InitialWait: 200 * time.Millisecond, MaxWait: time.Second, Jitter: true}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{backend: backend, pub: pub, cfg: cfg, log: log, now: time.Now}
}

// HandleMsg adapts Handle to the broker consumer contract.
func (w *Worker) HandleMsg(ctx context.Context, m *nats.Msg) error {
	_, err := w.Handle(ctx, m.Data)
	return err
}

// Handle processes one raw message.created event.
func (w *Worker) Handle(ctx context.Context, data []byte) (*events.MessageEmbeddedEvent, error) {
	created, err := events.ParseMessageCreated(data)
	if err != nil {
		return nil, err
	}

	embedding, err := w.embed(ctx, created)
	if err != nil {
		return nil, err
	}

	if w.cfg.Store != nil {
		msg := domain.Message{
			OrgID:      created.OrgID,
			MessageID:  created.Message.MessageID,
			UserID:     created.Message.UserID,
			TS:         created.Message.TS,
			SourceType: created.Message.SourceType,
			Text:       created.Message.Text,
			Metadata:   created.Message.Metadata,
		}
		if err := w.cfg.Store.PersistIngest(ctx, msg, w.cfg.ModelVersion, embedding); err != nil {
			return nil, err
		}
	}

	embedded := &events.MessageEmbeddedEvent{
		EventType:    events.TypeMessageEmbedded,
		EventVersion: events.EventVersion,
		EventID:      uuid.New(),
		OrgID:        created.OrgID,
		Message:      created.Message,
		ModelVersion: w.cfg.ModelVersion,
		EmbeddingDim: w.cfg.Dim,
		Embedding:    embedding,
		CreatedAt:    w.now().UTC(),
	}

	out, err := events.Marshal(embedded)
	if err != nil {
		return nil, err
	}
	if _, err := w.pub.Publish(ctx, events.EmbeddingsSubject(created.OrgID), out); err != nil {
		return nil, err
	}
	metrics.EventsPublished.WithLabelValues(events.TypeMessageEmbedded).Inc()

	w.log.Info("embedded message",
		"org_id", created.OrgID,
		"message_id", created.Message.MessageID,
		"backend", w.backend.Name(),
	)
	return embedded, nil
}

// embed calls the primary backend with bounded retries and falls back to
// the configured fallback backend on failure.
func (w *Worker) embed(ctx context.Context, created *events.MessageCreatedEvent) ([]float32, error) {
	orgID := created.OrgID
	messageID := created.Message.MessageID
	text := created.Message.Text

	start := w.now()
	res := fn.Retry(ctx, w.cfg.Retry, func(ctx context.Context) fn.Result[[]float32] {
		return fn.FromPair(w.backend.Embed(ctx, orgID, messageID, text))
	})
	metrics.EmbedDuration.WithLabelValues(w.backend.Name()).Observe(w.now().Sub(start).Seconds())

	embedding, err := res.Unwrap()
	if err == nil {
		return embedding, nil
	}
	if w.cfg.Fallback == nil {
		return nil, err
	}

	w.log.Warn("primary embed failed, falling back",
		"org_id", orgID, "message_id", messageID, "error", err)
	metrics.EmbedFallbacks.Inc()
	return w.cfg.Fallback.Embed(ctx, orgID, messageID, text)
}
