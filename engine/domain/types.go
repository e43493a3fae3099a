// Package domain holds the core entities and vector math shared by the
// pipeline workers and the query path.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is an ingested chat message. Append-only, never mutated.
type Message struct {
	OrgID      string
	MessageID  uuid.UUID
	UserID     string
	TS         time.Time
	SourceType string
	Text       string
	Metadata   map[string]any
}

// Cluster is one semantic cluster scoped to an (org, model_version) pair.
// The centroid is always stored L2-normalized.
type Cluster struct {
	OrgID          string
	ClusterID      uuid.UUID
	ModelVersion   string
	Centroid       []float32
	EffectiveCount int
	Label          string
	IsActive       bool
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ClusterCandidate is the nearest-neighbor search result for an incoming
// embedding: the closest active cluster plus its cosine distance.
type ClusterCandidate struct {
	ClusterID      uuid.UUID
	Distance       float64
	Centroid       []float32
	EffectiveCount int
}

// Assignment records that a message belongs to a cluster. A message has at
// most one live assignment, the latest by AssignedAt.
type Assignment struct {
	OrgID      string
	MessageID  uuid.UUID
	ClusterID  uuid.UUID
	Confidence float64
	AssignedAt time.Time
}

// Participation accumulates a user's involvement in a cluster.
type Participation struct {
	OrgID              string
	UserID             string
	ClusterID          uuid.UUID
	ParticipationScore float64
	MessageCount       int
	LastActivityAt     time.Time
	UpdatedAt          time.Time
}
