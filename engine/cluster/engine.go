// Package cluster implements the online clustering engine: nearest-centroid
// assignment, capped-mean centroid drift, and the idempotent worker that
// applies both under a single store transaction per event.
package cluster

import (
	"context"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/domain"
)

// Params are the clustering knobs.
type Params struct {
	// SimThreshold is the minimum cosine similarity for joining an
	// existing cluster. Below it a new cluster is created.
	SimThreshold float64
	// CountCap saturates the effective count used in centroid smoothing,
	// so stale clusters still move under new evidence.
	CountCap int
}

// DefaultParams are the production defaults.
var DefaultParams = Params{
	SimThreshold: 0.78,
	CountCap:     1000,
}

// DistThreshold converts the similarity threshold to a cosine distance.
func (p Params) DistThreshold() float64 { return 1.0 - p.SimThreshold }

// UpdatedCentroid applies the capped-mean rule:
//
//	n_eff = min(effectiveCount, countCap)
//	c' = normalize((c*n_eff + x) / (n_eff + 1))
func UpdatedCentroid(old, incoming []float32, effectiveCount, countCap int) []float32 {
	nEff := effectiveCount
	if nEff > countCap {
		nEff = countCap
	}
	out := make([]float32, len(old))
	for i := range old {
		out[i] = float32((float64(old[i])*float64(nEff) + float64(incoming[i])) / float64(nEff+1))
	}
	return domain.Normalize(out)
}

// Decision labels for an assignment outcome.
const (
	DecisionCreated  = "created"
	DecisionAssigned = "assigned"
	DecisionReplayed = "replayed"
)

// Outcome is the result of assigning one embedding.
type Outcome struct {
	ClusterID  uuid.UUID
	Confidence float64
	Decision   string
}

// Tx is the transactional store surface used for one inbound event. All
// calls on a Tx commit or roll back together.
type Tx interface {
	LatestAssignment(ctx context.Context, orgID string, messageID uuid.UUID) (*domain.Assignment, error)
	NearestActiveCluster(ctx context.Context, orgID, modelVersion string, embedding []float32) (*domain.ClusterCandidate, error)
	CreateCluster(ctx context.Context, orgID, modelVersion string, centroid []float32) (uuid.UUID, error)
	ApplyCentroidUpdate(ctx context.Context, orgID string, clusterID uuid.UUID, centroid []float32) error
	UpsertAssignment(ctx context.Context, orgID string, messageID, clusterID uuid.UUID, confidence float64) error
	UpsertParticipation(ctx context.Context, orgID, userID string, clusterID uuid.UUID, confidence float64) error
}

// Store runs cluster transactions.
type Store interface {
	RunClusterTx(ctx context.Context, fn func(Tx) error) error
}

// assign runs steps A-C of the clustering algorithm for one embedding
// inside tx. The embedding must already be L2-normalized.
func assign(ctx context.Context, tx Tx, p Params, orgID, modelVersion, userID string, messageID uuid.UUID, embedding []float32) (Outcome, error) {
	// Step A: a message that already has an assignment was processed
	// before; adopt it without touching cluster or participation state.
	existing, err := tx.LatestAssignment(ctx, orgID, messageID)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		return Outcome{
			ClusterID:  existing.ClusterID,
			Confidence: existing.Confidence,
			Decision:   DecisionReplayed,
		}, nil
	}

	// Step B: nearest active centroid for this org and model version.
	best, err := tx.NearestActiveCluster(ctx, orgID, modelVersion, embedding)
	if err != nil {
		return Outcome{}, err
	}

	// Step C: join the nearest cluster if it is close enough, otherwise
	// start a new one seeded by this embedding.
	var out Outcome
	if best == nil || best.Distance > p.DistThreshold() {
		clusterID, err := tx.CreateCluster(ctx, orgID, modelVersion, embedding)
		if err != nil {
			return Outcome{}, err
		}
		out = Outcome{ClusterID: clusterID, Confidence: 1.0, Decision: DecisionCreated}
	} else {
		centroid := UpdatedCentroid(best.Centroid, embedding, best.EffectiveCount, p.CountCap)
		if err := tx.ApplyCentroidUpdate(ctx, orgID, best.ClusterID, centroid); err != nil {
			return Outcome{}, err
		}
		out = Outcome{
			ClusterID:  best.ClusterID,
			Confidence: domain.SimilarityFromDistance(best.Distance),
			Decision:   DecisionAssigned,
		}
	}

	if err := tx.UpsertAssignment(ctx, orgID, messageID, out.ClusterID, out.Confidence); err != nil {
		return Outcome{}, err
	}
	if err := tx.UpsertParticipation(ctx, orgID, userID, out.ClusterID, out.Confidence); err != nil {
		return Outcome{}, err
	}
	return out, nil
}
