// Package natsutil wraps NATS JetStream with the durability contract the
// pipeline relies on: idempotent stream bootstrap, publish with ack, and
// durable explicit-ack consumers with bounded redelivery. Trace context is
// propagated through message headers.
package natsutil

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/crosstalkai/network-builder/engine/events"
)

// Defaults for the durable consumer contract.
const (
	DefaultAckWait       = 30 * time.Second
	DefaultMaxDeliver    = 5
	DefaultMaxAckPending = 10000
	DefaultFetchBatch    = 25
	DefaultFetchWait     = time.Second
)

// StreamSubjects is the subject set captured by the pipeline stream.
var StreamSubjects = []string{
	events.SubjectPrefixMessages + ".>",
	events.SubjectPrefixEmbeddings + ".>",
	events.SubjectPrefixClusters + ".>",
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Connect opens a named NATS connection.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name(name))
}

// Ack is the broker acknowledgment for a published message.
type Ack struct {
	Stream string
	Seq    uint64
}

// Publisher publishes to subjects of one JetStream stream.
type Publisher struct {
	js       nats.JetStreamContext
	stream   string
	subjects []string
}

// NewPublisher creates a Publisher for the given stream and subject set.
func NewPublisher(nc *nats.Conn, stream string, subjects []string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		subjects = StreamSubjects
	}
	return &Publisher{js: js, stream: stream, subjects: subjects}, nil
}

// StreamName returns the stream this publisher is bound to.
func (p *Publisher) StreamName() string { return p.stream }

// EnsureStream creates the stream if missing, or updates its config if it
// already exists. File storage, limits retention, no age or size caps,
// single replica.
func (p *Publisher) EnsureStream() error {
	cfg := &nats.StreamConfig{
		Name:      p.stream,
		Subjects:  p.subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   -1,
		MaxBytes:  -1,
		MaxAge:    0,
		Replicas:  1,
	}
	_, err := p.js.AddStream(cfg)
	if err == nil {
		return nil
	}
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) ||
		strings.Contains(strings.ToLower(err.Error()), "already in use") {
		_, err = p.js.UpdateStream(cfg)
	}
	return err
}

// Publish sends data to a subject and waits for the stream ack. Trace
// context from ctx is injected into the message headers.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) (Ack, error) {
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	pa, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return Ack{}, err
	}
	return Ack{Stream: pa.Stream, Seq: pa.Sequence}, nil
}

// PublishJSON serializes v as JSON and publishes it to the given subject.
func PublishJSON[T any](ctx context.Context, p *Publisher, subject string, v T) (Ack, error) {
	data, err := events.Marshal(v)
	if err != nil {
		return Ack{}, err
	}
	return p.Publish(ctx, subject, data)
}

// ConsumerConfig describes one durable consumer of the stream.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	// DeliverSubject makes the consumer push-based when set. Empty means
	// pull.
	DeliverSubject string
	AckWait        time.Duration
	MaxDeliver     int
	MaxAckPending  int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = DefaultMaxAckPending
	}
	return c
}

// EnsureConsumer creates a durable consumer if it does not exist yet.
// Existing consumers are left untouched.
func EnsureConsumer(nc *nats.Conn, cfg ConsumerConfig) error {
	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	_, err = js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
		Durable:        cfg.Durable,
		FilterSubject:  cfg.FilterSubject,
		DeliverSubject: cfg.DeliverSubject,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        cfg.AckWait,
		MaxDeliver:     cfg.MaxDeliver,
		MaxAckPending:  cfg.MaxAckPending,
	})
	if err == nil || errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "already") &&
		strings.Contains(strings.ToLower(err.Error()), "use") {
		return nil
	}
	return err
}
