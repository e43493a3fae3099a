// Package api implements the HTTP surface: message ingress, the
// connections query, and health.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/connections"
	"github.com/crosstalkai/network-builder/engine/domain"
	"github.com/crosstalkai/network-builder/engine/events"
	"github.com/crosstalkai/network-builder/pkg/metrics"
	"github.com/crosstalkai/network-builder/pkg/natsutil"
	"github.com/crosstalkai/network-builder/pkg/resilience"
)

// Publisher publishes ingress events to the stream.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) (natsutil.Ack, error)
}

// ConnectionsService answers the connections query.
type ConnectionsService interface {
	Query(ctx context.Context, orgID, userID string) (*connections.Response, error)
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	pub     Publisher
	conns   ConnectionsService
	limiter *resilience.Limiter
	log     *slog.Logger
	now     func() time.Time // for testing
}

// New creates a Server. limiter may be nil to disable ingress rate
// limiting.
func New(pub Publisher, conns ConnectionsService, limiter *resilience.Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pub: pub, conns: conns, limiter: limiter, log: log, now: time.Now}
}

// Routes returns the route mux. Middleware is applied by the caller.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/orgs/{org_id}/messages", s.handleIngest)
	mux.HandleFunc("GET /v1/orgs/{org_id}/users/{user_id}/connections", s.handleConnections)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestMessageRequest is the JSON body for POST /v1/orgs/{org_id}/messages.
type IngestMessageRequest struct {
	MessageID  *uuid.UUID     `json:"message_id,omitempty"`
	UserID     string         `json:"user_id"`
	TS         time.Time      `json:"ts"`
	Text       string         `json:"text"`
	SourceType string         `json:"source_type"`
	Metadata   map[string]any `json:"metadata"`
}

// IngestMessageResponse acknowledges an accepted message with its broker
// coordinates.
type IngestMessageResponse struct {
	Status    string    `json:"status"`
	EventID   uuid.UUID `json:"event_id"`
	OrgID     string    `json:"org_id"`
	MessageID uuid.UUID `json:"message_id"`
	Subject   string    `json:"subject"`
	Stream    string    `json:"stream"`
	Seq       uint64    `json:"seq"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org_id")

	if s.limiter != nil && !s.limiter.Allow() {
		metrics.IngestRejected.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	var req IngestMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.IngestRejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	messageID := uuid.New()
	if req.MessageID != nil {
		messageID = *req.MessageID
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	msg := domain.Message{
		OrgID:      orgID,
		MessageID:  messageID,
		UserID:     req.UserID,
		TS:         req.TS,
		SourceType: req.SourceType,
		Text:       req.Text,
		Metadata:   req.Metadata,
	}
	if err := domain.ValidateMessage(msg); err != nil {
		metrics.IngestRejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	evt := events.MessageCreatedEvent{
		EventType:    events.TypeMessageCreated,
		EventVersion: events.EventVersion,
		EventID:      uuid.New(),
		OrgID:        orgID,
		Message: events.MessagePayload{
			MessageID:  messageID,
			UserID:     req.UserID,
			TS:         req.TS,
			SourceType: req.SourceType,
			Text:       req.Text,
			Metadata:   req.Metadata,
		},
	}

	subject := events.MessagesSubject(orgID)
	data, err := events.Marshal(evt)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The message becomes durable through the broker; this path never
	// touches the database.
	ack, err := s.pub.Publish(r.Context(), subject, data)
	if err != nil {
		s.log.Error("ingress publish failed", "org_id", orgID, "error", err)
		metrics.IngestRejected.WithLabelValues("publish_failed").Inc()
		writeError(w, http.StatusServiceUnavailable, "publish failed: "+err.Error())
		return
	}
	metrics.IngestAccepted.Inc()
	metrics.EventsPublished.WithLabelValues(events.TypeMessageCreated).Inc()

	writeJSON(w, http.StatusAccepted, IngestMessageResponse{
		Status:    "accepted",
		EventID:   evt.EventID,
		OrgID:     orgID,
		MessageID: messageID,
		Subject:   subject,
		Stream:    ack.Stream,
		Seq:       ack.Seq,
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org_id")
	userID := r.PathValue("user_id")

	resp, err := s.conns.Query(r.Context(), orgID, userID)
	if err != nil {
		s.log.Error("connections query failed", "org_id", orgID, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
