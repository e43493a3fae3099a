package natsutil

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/crosstalkai/network-builder/engine/domain"
	"github.com/crosstalkai/network-builder/pkg/metrics"
)

// Handler processes one delivery. Returning nil acks the message. Returning
// a MalformedEventError acks and drops it (a poison event never succeeds on
// redelivery). Any other error leaves the message unacked so the broker
// redelivers it after AckWait, until MaxDeliver is exhausted and the
// delivery is dead-lettered.
type Handler func(context.Context, *nats.Msg) error

// dispatcher applies the shared ack/redeliver/dead-letter policy around a
// Handler. Used by both pull and push consumers.
type dispatcher struct {
	name       string // durable name, used in logs and metrics
	maxDeliver int
	log        *slog.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, m *nats.Msg, h Handler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, (*natsHeaderCarrier)(m))

	err := h(ctx, m)
	if err == nil {
		if ackErr := m.Ack(); ackErr != nil {
			d.log.Warn("ack failed", "consumer", d.name, "error", ackErr)
		}
		metrics.EventsConsumed.WithLabelValues(d.name, "ok").Inc()
		return
	}

	if domain.IsMalformed(err) {
		d.log.Error("dropping malformed event", "consumer", d.name, "error", err)
		metrics.EventsConsumed.WithLabelValues(d.name, "malformed").Inc()
		_ = m.Ack()
		return
	}

	metrics.EventsConsumed.WithLabelValues(d.name, "error").Inc()

	meta, metaErr := m.Metadata()
	if metaErr == nil && d.maxDeliver > 0 && meta.NumDelivered >= uint64(d.maxDeliver) {
		d.log.Error("dead-lettering event after max deliveries",
			"consumer", d.name,
			"subject", m.Subject,
			"deliveries", meta.NumDelivered,
			"error", err,
		)
		metrics.DeadLetters.WithLabelValues(d.name).Inc()
		_ = m.Term()
		return
	}

	// No ack: the broker redelivers after AckWait.
	d.log.Warn("handler failed, leaving unacked for redelivery",
		"consumer", d.name, "subject", m.Subject, "error", err)
}

// PullConsumer fetches batches from a durable pull subscription.
type PullConsumer struct {
	sub       *nats.Subscription
	disp      dispatcher
	batch     int
	fetchWait time.Duration
}

// NewPullConsumer binds a durable pull subscription on the stream.
func NewPullConsumer(nc *nats.Conn, cfg ConsumerConfig, log *slog.Logger) (*PullConsumer, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	sub, err := js.PullSubscribe(cfg.FilterSubject, cfg.Durable,
		nats.BindStream(cfg.Stream),
		nats.AckWait(cfg.AckWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
	)
	if err != nil {
		return nil, err
	}
	return &PullConsumer{
		sub:       sub,
		disp:      dispatcher{name: cfg.Durable, maxDeliver: cfg.MaxDeliver, log: log},
		batch:     DefaultFetchBatch,
		fetchWait: DefaultFetchWait,
	}, nil
}

// Run fetches and handles messages until ctx is cancelled. Messages within
// one batch are handled sequentially; run multiple processes for
// parallelism.
func (c *PullConsumer) Run(ctx context.Context, h Handler) error {
	defer c.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.sub.Fetch(c.batch, nats.MaxWait(c.fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.disp.log.Warn("fetch failed", "consumer", c.disp.name, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		for _, m := range msgs {
			c.disp.dispatch(ctx, m, h)
		}
	}
}

// PushConsumer receives deliveries on a durable push subscription.
type PushConsumer struct {
	nc   *nats.Conn
	cfg  ConsumerConfig
	disp dispatcher
}

// NewPushConsumer prepares a durable push consumer. Deliveries go to an
// inbox unless cfg.DeliverSubject is set.
func NewPushConsumer(nc *nats.Conn, cfg ConsumerConfig, log *slog.Logger) *PushConsumer {
	cfg = cfg.withDefaults()
	return &PushConsumer{
		nc:   nc,
		cfg:  cfg,
		disp: dispatcher{name: cfg.Durable, maxDeliver: cfg.MaxDeliver, log: log},
	}
}

// Start subscribes and handles deliveries until ctx is cancelled. The
// subscription is drained on return.
func (c *PushConsumer) Start(ctx context.Context, h Handler) error {
	js, err := c.nc.JetStream()
	if err != nil {
		return err
	}

	opts := []nats.SubOpt{
		nats.BindStream(c.cfg.Stream),
		nats.Durable(c.cfg.Durable),
		nats.ManualAck(),
		nats.AckWait(c.cfg.AckWait),
		nats.MaxDeliver(c.cfg.MaxDeliver),
		nats.MaxAckPending(c.cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	if c.cfg.DeliverSubject != "" {
		opts = append(opts, nats.DeliverSubject(c.cfg.DeliverSubject))
	}

	sub, err := js.Subscribe(c.cfg.FilterSubject, func(m *nats.Msg) {
		c.disp.dispatch(ctx, m, h)
	}, opts...)
	if err != nil {
		return err
	}

	<-ctx.Done()
	_ = sub.Drain()
	return ctx.Err()
}
