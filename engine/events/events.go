// Package events defines the typed JSON envelopes that flow through the
// pipeline and their strict codec. Parsers reject unknown fields, missing
// required fields, embedding dimension mismatches, and out-of-range
// confidence values.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/domain"
)

// Event type discriminators.
const (
	TypeMessageCreated   = "message.created"
	TypeMessageEmbedded  = "message.embedded"
	TypeMessageClustered = "message.clustered"
)

// EventVersion is the current envelope version.
const EventVersion = 1

// Subject prefixes. Each org gets its own subject under the prefix.
const (
	SubjectPrefixMessages   = "messages"
	SubjectPrefixEmbeddings = "embeddings"
	SubjectPrefixClusters   = "clusters"
)

// MessagesSubject returns the per-org subject for message.created events.
func MessagesSubject(orgID string) string { return SubjectPrefixMessages + "." + orgID }

// EmbeddingsSubject returns the per-org subject for message.embedded events.
func EmbeddingsSubject(orgID string) string { return SubjectPrefixEmbeddings + "." + orgID }

// ClustersSubject returns the per-org subject for message.clustered events.
func ClustersSubject(orgID string) string { return SubjectPrefixClusters + "." + orgID }

// MessagePayload is the full message carried by created and embedded events.
type MessagePayload struct {
	MessageID  uuid.UUID      `json:"message_id"`
	UserID     string         `json:"user_id"`
	TS         time.Time      `json:"ts"`
	SourceType string         `json:"source_type"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
}

func (p *MessagePayload) validate(kind string) error {
	switch {
	case p.MessageID == uuid.Nil:
		return domain.NewMalformedEvent(kind, "message.message_id", errRequired)
	case p.UserID == "":
		return domain.NewMalformedEvent(kind, "message.user_id", errRequired)
	case p.TS.IsZero():
		return domain.NewMalformedEvent(kind, "message.ts", errRequired)
	case p.SourceType == "":
		return domain.NewMalformedEvent(kind, "message.source_type", errRequired)
	case p.Text == "":
		return domain.NewMalformedEvent(kind, "message.text", errRequired)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	return nil
}

// MessageCreatedEvent is emitted by the ingress endpoint.
type MessageCreatedEvent struct {
	EventType    string         `json:"event_type"`
	EventVersion int            `json:"event_version"`
	EventID      uuid.UUID      `json:"event_id"`
	OrgID        string         `json:"org_id"`
	Message      MessagePayload `json:"message"`
}

// MessageEmbeddedEvent is emitted by the embedder worker. It copies the
// original payload through so downstream needs no join.
type MessageEmbeddedEvent struct {
	EventType    string         `json:"event_type"`
	EventVersion int            `json:"event_version"`
	EventID      uuid.UUID      `json:"event_id"`
	OrgID        string         `json:"org_id"`
	Message      MessagePayload `json:"message"`
	ModelVersion string         `json:"model_version"`
	EmbeddingDim int            `json:"embedding_dim"`
	Embedding    []float32      `json:"embedding"`
	CreatedAt    time.Time      `json:"created_at"`
}

// MessageClusteredEvent is emitted by the clusterer worker after commit.
type MessageClusteredEvent struct {
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	EventID      uuid.UUID `json:"event_id"`
	OrgID        string    `json:"org_id"`
	MessageID    uuid.UUID `json:"message_id"`
	UserID       string    `json:"user_id"`
	TS           time.Time `json:"ts"`
	ModelVersion string    `json:"model_version"`
	ClusterID    uuid.UUID `json:"cluster_id"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

var errRequired = errors.New("field is required")

// Marshal serializes an event as canonical UTF-8 JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// strictDecode decodes data into v, rejecting unknown fields and trailing
// garbage.
func strictDecode(kind string, data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewMalformedEvent(kind, "", err)
	}
	if dec.More() {
		return domain.NewMalformedEvent(kind, "", errors.New("trailing data after event"))
	}
	return nil
}

func validateEnvelope(kind, eventType string, eventVersion int, eventID uuid.UUID, orgID string) error {
	switch {
	case eventType != kind:
		return domain.NewMalformedEvent(kind, "event_type", errors.New("unexpected event_type "+eventType))
	case eventVersion != EventVersion:
		return domain.NewMalformedEvent(kind, "event_version", errors.New("unsupported event_version"))
	case eventID == uuid.Nil:
		return domain.NewMalformedEvent(kind, "event_id", errRequired)
	case orgID == "":
		return domain.NewMalformedEvent(kind, "org_id", errRequired)
	}
	return nil
}

// ParseMessageCreated decodes and validates a message.created event.
func ParseMessageCreated(data []byte) (*MessageCreatedEvent, error) {
	e := &MessageCreatedEvent{EventType: TypeMessageCreated, EventVersion: EventVersion}
	if err := strictDecode(TypeMessageCreated, data, e); err != nil {
		return nil, err
	}
	if err := validateEnvelope(TypeMessageCreated, e.EventType, e.EventVersion, e.EventID, e.OrgID); err != nil {
		return nil, err
	}
	if err := e.Message.validate(TypeMessageCreated); err != nil {
		return nil, err
	}
	return e, nil
}

// ParseMessageEmbedded decodes and validates a message.embedded event.
func ParseMessageEmbedded(data []byte) (*MessageEmbeddedEvent, error) {
	e := &MessageEmbeddedEvent{EventType: TypeMessageEmbedded, EventVersion: EventVersion}
	if err := strictDecode(TypeMessageEmbedded, data, e); err != nil {
		return nil, err
	}
	if err := validateEnvelope(TypeMessageEmbedded, e.EventType, e.EventVersion, e.EventID, e.OrgID); err != nil {
		return nil, err
	}
	if err := e.Message.validate(TypeMessageEmbedded); err != nil {
		return nil, err
	}
	switch {
	case e.ModelVersion == "":
		return nil, domain.NewMalformedEvent(TypeMessageEmbedded, "model_version", errRequired)
	case e.EmbeddingDim <= 0:
		return nil, domain.NewMalformedEvent(TypeMessageEmbedded, "embedding_dim", errRequired)
	case len(e.Embedding) != e.EmbeddingDim:
		return nil, domain.NewMalformedEvent(TypeMessageEmbedded, "embedding",
			errors.New("embedding length does not match embedding_dim"))
	case e.CreatedAt.IsZero():
		return nil, domain.NewMalformedEvent(TypeMessageEmbedded, "created_at", errRequired)
	}
	return e, nil
}

// ParseMessageClustered decodes and validates a message.clustered event.
func ParseMessageClustered(data []byte) (*MessageClusteredEvent, error) {
	e := &MessageClusteredEvent{EventType: TypeMessageClustered, EventVersion: EventVersion}
	if err := strictDecode(TypeMessageClustered, data, e); err != nil {
		return nil, err
	}
	if err := validateEnvelope(TypeMessageClustered, e.EventType, e.EventVersion, e.EventID, e.OrgID); err != nil {
		return nil, err
	}
	switch {
	case e.MessageID == uuid.Nil:
		return nil, domain.NewMalformedEvent(TypeMessageClustered, "message_id", errRequired)
	case e.UserID == "":
		return nil, domain.NewMalformedEvent(TypeMessageClustered, "user_id", errRequired)
	case e.TS.IsZero():
		return nil, domain.NewMalformedEvent(TypeMessageClustered, "ts", errRequired)
	case e.ModelVersion == "":
		return nil, domain.NewMalformedEvent(TypeMessageClustered, "model_version", errRequired)
	case e.ClusterID == uuid.Nil:
		return nil, domain.NewMalformedEvent(TypeMessageClustered, "cluster_id", errRequired)
	case e.Confidence < -1.0 || e.Confidence > 1.0:
		return nil, domain.NewMalformedEvent(TypeMessageClustered, "confidence",
			errors.New("confidence out of range [-1, 1]"))
	case e.CreatedAt.IsZero():
		return nil, domain.NewMalformedEvent(TypeMessageClustered, "created_at", errRequired)
	}
	return e, nil
}
