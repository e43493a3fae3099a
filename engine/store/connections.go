package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ConnectionRow is one (cluster, user) pair from the connections query:
// the user's cosine distance to the target user's mean embedding within
// that cluster, and how many messages contributed to the user's mean.
type ConnectionRow struct {
	ClusterID    uuid.UUID
	UserID       string
	Distance     float64
	MessageCount int
}

// ConnectionRows computes, for every active cluster containing the target
// user, each participating user's mean embedding over the messages they
// contributed to the cluster under the cluster's model version, and its
// cosine distance to the target user's mean. Rows come back ordered by
// cluster_id, then distance ascending, then user_id ascending, so the
// caller can group them in one pass.
func (s *Store) ConnectionRows(ctx context.Context, orgID, userID string) ([]ConnectionRow, error) {
	rows, err := s.pool.Query(ctx, `
		WITH target_clusters AS (
			SELECT uc.cluster_id, c.model_version
			FROM user_cluster uc
			JOIN clusters c
			  ON c.org_id = uc.org_id
			 AND c.cluster_id = uc.cluster_id
			WHERE uc.org_id = $1
			  AND uc.user_id = $2
			  AND c.is_active = TRUE
		),
		user_cluster_vectors AS (
			SELECT
				tc.cluster_id,
				m.user_id,
				AVG(me.embedding)::vector AS user_vec,
				COUNT(*)::bigint AS message_count
			FROM target_clusters tc
			JOIN message_cluster mc
			  ON mc.org_id = $1
			 AND mc.cluster_id = tc.cluster_id
			JOIN messages m
			  ON m.org_id = mc.org_id
			 AND m.message_id = mc.message_id
			JOIN message_embeddings me
			  ON me.org_id = mc.org_id
			 AND me.message_id = mc.message_id
			 AND me.model_version = tc.model_version
			GROUP BY tc.cluster_id, m.user_id
		),
		target_user_vectors AS (
			SELECT cluster_id, user_vec AS target_vec
			FROM user_cluster_vectors
			WHERE user_id = $2
		)
		SELECT
			ucv.cluster_id::text,
			ucv.user_id,
			(ucv.user_vec <=> tuv.target_vec) AS distance,
			ucv.message_count
		FROM user_cluster_vectors ucv
		JOIN target_user_vectors tuv
		  ON tuv.cluster_id = ucv.cluster_id
		ORDER BY ucv.cluster_id, distance ASC, ucv.user_id ASC
	`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("store: connection rows: %w", err)
	}
	defer rows.Close()

	var out []ConnectionRow
	for rows.Next() {
		var (
			clusterIDText string
			row           ConnectionRow
		)
		if err := rows.Scan(&clusterIDText, &row.UserID, &row.Distance, &row.MessageCount); err != nil {
			return nil, fmt.Errorf("store: connection rows: %w", err)
		}
		row.ClusterID, err = uuid.Parse(clusterIDText)
		if err != nil {
			return nil, fmt.Errorf("store: connection rows: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: connection rows: %w", err)
	}
	return out, nil
}
