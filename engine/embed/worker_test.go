package embed

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/domain"
	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/pkg/fn"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
)

// --- Mocks ---

type fakeBackend struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Embed(_ context.Context, _ string, _ uuid.UUID, _ string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

type fakePub struct {
	err      error
	subjects []string
	payloads [][]byte
}

func (f *fakePub) Publish(_ context.Context, subject string, data []byte) (natsutil.Ack, error) {
	if f.err != nil {
		return natsutil.Ack{}, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return natsutil.Ack{Stream: "ingress_messages", Seq: 1}, nil
}

type fakeStore struct {
	err  error
	msgs []domain.Message
	vecs [][]float32
}

func (f *fakeStore) PersistIngest(_ context.Context, m domain.Message, _ string, embedding []float32) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	f.vecs = append(f.vecs, embedding)
	return nil
}

// --- Helpers ---

func createdEventBytes(t *testing.T) []byte {
	t.Helper()
	evt := events.MessageCreatedEvent{
		EventType:    events.TypeMessageCreated,
		EventVersion: events.EventVersion,
		EventID:      uuid.New(),
		OrgID:        "org-test",
		Message: events.MessagePayload{
			MessageID:  uuid.MustParse("11111111-1111-1111-1111-111111111111"),
			UserID:     "user-a",
			TS:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			SourceType: "chat",
			Text:       "hello world",
			Metadata:   map[string]any{"channel": "general"},
		},
	}
	data, err := events.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

var fastRetry = fn.RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}

func testConfig() Config {
	return Config{ModelVersion: "stub-4-v1", Dim: 4, Retry: fastRetry}
}

// --- Tests ---

func TestHandle_PayloadCopiedThrough(t *testing.T) {
	backend := &fakeBackend{vec: []float32{1, 0, 0, 0}}
	pub := &fakePub{}
	w := NewWorker(backend, pub, testConfig(), slog.Default())

	embedded, err := w.Handle(context.Background(), createdEventBytes(t))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if embedded.Message.Text != "hello world" || embedded.Message.UserID != "user-a" {
		t.Fatalf("payload not copied: %+v", embedded.Message)
	}
	if embedded.Message.Metadata["channel"] != "general" {
		t.Fatalf("metadata not copied: %+v", embedded.Message.Metadata)
	}
	if embedded.ModelVersion != "stub-4-v1" || embedded.EmbeddingDim != 4 {
		t.Fatalf("model info wrong: %+v", embedded)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != "embeddings.org-test" {
		t.Fatalf("published to %v", pub.subjects)
	}

	// The outbound event must itself pass the strict codec.
	if _, err := events.ParseMessageEmbedded(pub.payloads[0]); err != nil {
		t.Fatalf("outbound event invalid: %v", err)
	}
}

func TestHandle_MalformedEventReported(t *testing.T) {
	backend := &fakeBackend{vec: []float32{1, 0, 0, 0}}
	w := NewWorker(backend, &fakePub{}, testConfig(), slog.Default())

	_, err := w.Handle(context.Background(), []byte(`{"nope":1}`))
	if err == nil || !domain.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if backend.calls != 0 {
		t.Fatal("backend called for malformed event")
	}
}

func TestHandle_BackendErrorWithoutFallback(t *testing.T) {
	backend := &fakeBackend{err: domain.ErrBackendUnavailable}
	pub := &fakePub{}
	w := NewWorker(backend, pub, testConfig(), slog.Default())

	_, err := w.Handle(context.Background(), createdEventBytes(t))
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if len(pub.subjects) != 0 {
		t.Fatal("published despite backend failure")
	}
	// The retry policy attempts the primary more than once.
	if backend.calls < 2 {
		t.Fatalf("expected retries, got %d calls", backend.calls)
	}
}

func TestHandle_FallbackServesOnBackendError(t *testing.T) {
	backend := &fakeBackend{err: domain.ErrBackendUnavailable}
	cfg := testConfig()
	cfg.Fallback = NewStubBackend(4)
	pub := &fakePub{}
	w := NewWorker(backend, pub, cfg, slog.Default())

	embedded, err := w.Handle(context.Background(), createdEventBytes(t))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(embedded.Embedding) != 4 {
		t.Fatalf("fallback embedding dim = %d", len(embedded.Embedding))
	}
	if len(pub.subjects) != 1 {
		t.Fatal("event not published")
	}
}

func TestHandle_PersistsWhenStoreConfigured(t *testing.T) {
	backend := &fakeBackend{vec: []float32{0, 1, 0, 0}}
	st := &fakeStore{}
	cfg := testConfig()
	cfg.Store = st
	w := NewWorker(backend, &fakePub{}, cfg, slog.Default())

	if _, err := w.Handle(context.Background(), createdEventBytes(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(st.msgs) != 1 {
		t.Fatalf("persist not called")
	}
	if st.msgs[0].OrgID != "org-test" || st.msgs[0].Text != "hello world" {
		t.Fatalf("persisted message wrong: %+v", st.msgs[0])
	}
}

func TestHandle_PersistErrorBlocksPublish(t *testing.T) {
	backend := &fakeBackend{vec: []float32{0, 1, 0, 0}}
	cfg := testConfig()
	cfg.Store = &fakeStore{err: errors.New("db down")}
	pub := &fakePub{}
	w := NewWorker(backend, pub, cfg, slog.Default())

	if _, err := w.Handle(context.Background(), createdEventBytes(t)); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.subjects) != 0 {
		t.Fatal("published despite persist failure")
	}
}

func TestHandle_PublishErrorPropagates(t *testing.T) {
	backend := &fakeBackend{vec: []float32{1, 0, 0, 0}}
	w := NewWorker(backend, &fakePub{err: errors.New("broker down")}, testConfig(), slog.Default())

	if _, err := w.Handle(context.Background(), createdEventBytes(t)); err == nil {
		t.Fatal("expected error")
	}
}
