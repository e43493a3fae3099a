// Package connections answers the per-user connections query: for every
// active cluster the target user participates in, rank the cluster's users
// by cosine distance between their mean embeddings and the target's.
package connections

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/store"
)

// RowSource provides the ordered (cluster, user, distance, count) rows.
type RowSource interface {
	ConnectionRows(ctx context.Context, orgID, userID string) ([]store.ConnectionRow, error)
}

// RankedUser is one user in a cluster ranking. Distance is user-to-target
// cosine distance, not distance to the centroid; the target itself appears
// at distance 0.
type RankedUser struct {
	UserID       string  `json:"user_id"`
	Distance     float64 `json:"distance"`
	MessageCount int     `json:"message_count"`
}

// ClusterRanking is the per-cluster user ranking.
type ClusterRanking struct {
	ClusterID uuid.UUID    `json:"cluster_id"`
	Users     []RankedUser `json:"users"`
}

// Response is the connections query result. Centroids is empty (never
// null) when the target user has no cluster participation.
type Response struct {
	OrgID     string           `json:"org_id"`
	UserID    string           `json:"user_id"`
	Centroids []ClusterRanking `json:"centroids"`
}

// Service executes connections queries against a row source.
type Service struct {
	rows RowSource
}

// New creates a connections service.
func New(rows RowSource) *Service {
	return &Service{rows: rows}
}

// Query groups the store's ordered rows into per-cluster rankings. Rows
// arrive sorted by cluster, then distance ascending, then user_id
// ascending, so grouping is a single pass.
func (s *Service) Query(ctx context.Context, orgID, userID string) (*Response, error) {
	rows, err := s.rows.ConnectionRows(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("connections: %w", err)
	}

	resp := &Response{
		OrgID:     orgID,
		UserID:    userID,
		Centroids: []ClusterRanking{},
	}

	for _, row := range rows {
		n := len(resp.Centroids)
		if n == 0 || resp.Centroids[n-1].ClusterID != row.ClusterID {
			resp.Centroids = append(resp.Centroids, ClusterRanking{ClusterID: row.ClusterID})
			n++
		}
		resp.Centroids[n-1].Users = append(resp.Centroids[n-1].Users, RankedUser{
			UserID:       row.UserID,
			Distance:     row.Distance,
			MessageCount: row.MessageCount,
		})
	}
	return resp, nil
}
