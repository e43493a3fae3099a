package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/crosstalkai/network-builder/engine/domain"
	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/pkg/metrics"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
)

// Publisher publishes outbound events to the stream.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) (natsutil.Ack, error)
}

// Worker consumes message.embedded events and maintains cluster state.
type Worker struct {
	store  Store
	pub    Publisher
	params Params
	log    *slog.Logger
	now    func() time.Time // for testing
}

// NewWorker creates a clusterer worker.
func NewWorker(store Store, pub Publisher, params Params, log *slog.Logger) *Worker {
	if params.SimThreshold <= 0 {
		params = DefaultParams
	}
	if params.CountCap <= 0 {
		params.CountCap = DefaultParams.CountCap
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{store: store, pub: pub, params: params, log: log, now: time.Now}
}

// HandleMsg adapts Handle to the broker consumer contract.
func (w *Worker) HandleMsg(ctx context.Context, m *nats.Msg) error {
	_, err := w.Handle(ctx, m.Data)
	return err
}

// Handle processes one raw message.embedded event: parse, cluster inside a
// transaction, commit, then publish message.clustered. A parse failure
// returns a MalformedEventError so the consumer drops the delivery; any
// other failure leaves the event for redelivery, where the idempotency
// short-circuit makes the retry safe.
func (w *Worker) Handle(ctx context.Context, data []byte) (*events.MessageClusteredEvent, error) {
	embedded, err := events.ParseMessageEmbedded(data)
	if err != nil {
		return nil, err
	}

	embedding := domain.Normalize(embedded.Embedding)

	start := w.now()
	var out Outcome
	err = w.store.RunClusterTx(ctx, func(tx Tx) error {
		var txErr error
		out, txErr = assign(ctx, tx, w.params,
			embedded.OrgID, embedded.ModelVersion,
			embedded.Message.UserID, embedded.Message.MessageID,
			embedding)
		return txErr
	})
	metrics.ClusterTxDuration.Observe(w.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.ClusterDecisions.WithLabelValues(out.Decision).Inc()

	// Commit happened above; a publish failure from here on is retried by
	// redelivery and resolved through the step-A short-circuit. Downstream
	// consumers tolerate duplicate message.clustered events.
	clustered := &events.MessageClusteredEvent{
		EventType:    events.TypeMessageClustered,
		EventVersion: events.EventVersion,
		EventID:      uuid.New(),
		OrgID:        embedded.OrgID,
		MessageID:    embedded.Message.MessageID,
		UserID:       embedded.Message.UserID,
		TS:           embedded.Message.TS,
		ModelVersion: embedded.ModelVersion,
		ClusterID:    out.ClusterID,
		Confidence:   out.Confidence,
		CreatedAt:    w.now().UTC(),
	}

	payload, err := events.Marshal(clustered)
	if err != nil {
		return nil, err
	}
	if _, err := w.pub.Publish(ctx, events.ClustersSubject(embedded.OrgID), payload); err != nil {
		return nil, err
	}
	metrics.EventsPublished.WithLabelValues(events.TypeMessageClustered).Inc()

	w.log.Info("clustered message",
		"org_id", embedded.OrgID,
		"message_id", embedded.Message.MessageID,
		"user_id", embedded.Message.UserID,
		"cluster_id", out.ClusterID,
		"confidence", out.Confidence,
		"decision", out.Decision,
	)
	return clustered, nil
}
