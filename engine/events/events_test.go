package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/domain"
)

func validPayload() MessagePayload {
	return MessagePayload{
		MessageID:  uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		UserID:     "user-a",
		TS:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SourceType: "chat",
		Text:       "hello world",
		Metadata:   map[string]any{"channel": "general"},
	}
}

func validCreated() MessageCreatedEvent {
	return MessageCreatedEvent{
		EventType:    TypeMessageCreated,
		EventVersion: EventVersion,
		EventID:      uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		OrgID:        "org-test",
		Message:      validPayload(),
	}
}

func validEmbedded() MessageEmbeddedEvent {
	return MessageEmbeddedEvent{
		EventType:    TypeMessageEmbedded,
		EventVersion: EventVersion,
		EventID:      uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		OrgID:        "org-test",
		Message:      validPayload(),
		ModelVersion: "stub-4-v1",
		EmbeddingDim: 4,
		Embedding:    []float32{1, 0, 0, 0},
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}
}

func validClustered() MessageClusteredEvent {
	return MessageClusteredEvent{
		EventType:    TypeMessageClustered,
		EventVersion: EventVersion,
		EventID:      uuid.MustParse("44444444-4444-4444-4444-444444444444"),
		OrgID:        "org-test",
		MessageID:    uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		UserID:       "user-a",
		TS:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ModelVersion: "stub-4-v1",
		ClusterID:    uuid.MustParse("55555555-5555-5555-5555-555555555555"),
		Confidence:   0.98,
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC),
	}
}

func TestRoundTrip_MessageCreated(t *testing.T) {
	in := validCreated()
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := ParseMessageCreated(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.EventID != in.EventID || out.OrgID != in.OrgID {
		t.Fatalf("envelope mismatch: %+v", out)
	}
	if out.Message.MessageID != in.Message.MessageID || out.Message.UserID != in.Message.UserID {
		t.Fatalf("payload mismatch: %+v", out.Message)
	}
	if !out.Message.TS.Equal(in.Message.TS) {
		t.Fatalf("ts mismatch: %v vs %v", out.Message.TS, in.Message.TS)
	}
	if out.Message.Metadata["channel"] != "general" {
		t.Fatalf("metadata lost: %+v", out.Message.Metadata)
	}
}

func TestRoundTrip_MessageEmbedded(t *testing.T) {
	in := validEmbedded()
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := ParseMessageEmbedded(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.ModelVersion != in.ModelVersion || out.EmbeddingDim != in.EmbeddingDim {
		t.Fatalf("mismatch: %+v", out)
	}
	if len(out.Embedding) != len(in.Embedding) {
		t.Fatalf("embedding length mismatch")
	}
	for i := range in.Embedding {
		if out.Embedding[i] != in.Embedding[i] {
			t.Fatalf("embedding[%d] mismatch", i)
		}
	}
}

func TestRoundTrip_MessageClustered(t *testing.T) {
	in := validClustered()
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := ParseMessageClustered(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.ClusterID != in.ClusterID || out.Confidence != in.Confidence {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	data, _ := Marshal(validCreated())
	patched := strings.Replace(string(data), `"org_id"`, `"surprise":1,"org_id"`, 1)

	_, err := ParseMessageCreated([]byte(patched))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !domain.IsMalformed(err) {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
}

func TestParse_MissingRequiredField(t *testing.T) {
	e := validCreated()
	e.Message.UserID = ""
	data, _ := Marshal(e)
	if _, err := ParseMessageCreated(data); err == nil || !domain.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestParse_WrongEventType(t *testing.T) {
	e := validCreated()
	e.EventType = "message.clustered"
	data, _ := Marshal(e)
	if _, err := ParseMessageCreated(data); err == nil || !domain.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestParse_DimensionMismatch(t *testing.T) {
	e := validEmbedded()
	e.EmbeddingDim = 8 // embedding still has 4 entries
	data, _ := Marshal(e)
	if _, err := ParseMessageEmbedded(data); err == nil || !domain.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestParse_ConfidenceOutOfRange(t *testing.T) {
	for _, conf := range []float64{1.5, -1.5} {
		e := validClustered()
		e.Confidence = conf
		data, _ := Marshal(e)
		if _, err := ParseMessageClustered(data); err == nil || !domain.IsMalformed(err) {
			t.Fatalf("confidence %v: expected malformed, got %v", conf, err)
		}
	}
}

func TestParse_ClampedNegativeConfidenceAccepted(t *testing.T) {
	e := validClustered()
	e.Confidence = -1.0
	data, _ := Marshal(e)
	if _, err := ParseMessageClustered(data); err != nil {
		t.Fatalf("confidence -1 should parse: %v", err)
	}
}

func TestParse_GarbageInput(t *testing.T) {
	if _, err := ParseMessageCreated([]byte("{not json")); err == nil || !domain.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestParse_TrailingData(t *testing.T) {
	data, _ := Marshal(validCreated())
	data = append(data, []byte(`{"x":1}`)...)
	if _, err := ParseMessageCreated(data); err == nil || !domain.IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestParse_DefaultsApplied(t *testing.T) {
	// event_type and event_version may be omitted; they default.
	raw := map[string]any{
		"event_id": "22222222-2222-2222-2222-222222222222",
		"org_id":   "org-test",
		"message": map[string]any{
			"message_id":  "11111111-1111-1111-1111-111111111111",
			"user_id":     "u",
			"ts":          "2026-01-01T00:00:00Z",
			"source_type": "chat",
			"text":        "hi",
			"metadata":    map[string]any{},
		},
	}
	data, _ := json.Marshal(raw)
	e, err := ParseMessageCreated(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.EventType != TypeMessageCreated || e.EventVersion != EventVersion {
		t.Fatalf("defaults not applied: %+v", e)
	}
}

func TestSubjects(t *testing.T) {
	if got := MessagesSubject("org-1"); got != "messages.org-1" {
		t.Fatalf("messages subject: %s", got)
	}
	if got := EmbeddingsSubject("org-1"); got != "embeddings.org-1" {
		t.Fatalf("embeddings subject: %s", got)
	}
	if got := ClustersSubject("org-1"); got != "clusters.org-1" {
		t.Fatalf("clusters subject: %s", got)
	}
}
