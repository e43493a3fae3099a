// Package store is the sole owner of all Postgres operations. Embeddings and
// centroids live in pgvector columns; nearest-neighbor search uses the
// cosine distance operator, which assumes L2-normalized vectors.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/crosstalkai/network-builder/engine/cluster"
	"github.com/crosstalkai/network-builder/engine/domain"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for the given conninfo and verifies connectivity.
func Connect(ctx context.Context, conninfo string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conninfo)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertMessage stores an ingested message. Conflicts on the primary key are
// ignored: redeliveries carry the same immutable payload.
func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	return insertMessage(ctx, s.pool, m)
}

func insertMessage(ctx context.Context, q execer, m domain.Message) error {
	_, err := q.Exec(ctx, `
		INSERT INTO messages (org_id, message_id, user_id, ts, source_type, text, metadata)
		VALUES ($1, $2::uuid, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, message_id) DO NOTHING
	`, m.OrgID, m.MessageID.String(), m.UserID, m.TS, m.SourceType, m.Text, m.Metadata)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// UpsertEmbedding stores a message embedding, unique per
// (org, message, model_version). Returns false when the row already existed.
func (s *Store) UpsertEmbedding(ctx context.Context, orgID string, messageID uuid.UUID, modelVersion string, embedding []float32) (bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO message_embeddings (org_id, message_id, model_version, embedding)
		VALUES ($1, $2::uuid, $3, $4::vector)
		ON CONFLICT (org_id, message_id, model_version) DO NOTHING
		RETURNING 1
	`, orgID, messageID.String(), modelVersion, pgvector.NewVector(embedding))
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: upsert embedding: %w", err)
	}
	return true, nil
}

// PersistIngest writes the message row and its embedding in one transaction.
// Used by the embedder when persistence is enabled.
func (s *Store) PersistIngest(ctx context.Context, m domain.Message, modelVersion string, embedding []float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMessage(ctx, tx, m); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO message_embeddings (org_id, message_id, model_version, embedding)
		VALUES ($1, $2::uuid, $3, $4::vector)
		ON CONFLICT (org_id, message_id, model_version) DO NOTHING
	`, m.OrgID, m.MessageID.String(), modelVersion, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("store: upsert embedding: %w", err)
	}
	return tx.Commit(ctx)
}

// RunClusterTx runs fn inside one transaction carrying all clusterer writes
// for a single event. The transaction commits only when fn returns nil.
func (s *Store) RunClusterTx(ctx context.Context, fn func(cluster.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&clusterTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// clusterTx implements cluster.Tx over a pgx transaction.
type clusterTx struct {
	tx pgx.Tx
}

func (c *clusterTx) LatestAssignment(ctx context.Context, orgID string, messageID uuid.UUID) (*domain.Assignment, error) {
	row := c.tx.QueryRow(ctx, `
		SELECT cluster_id::text, confidence
		FROM message_cluster
		WHERE org_id = $1 AND message_id = $2::uuid
		ORDER BY assigned_at DESC
		LIMIT 1
	`, orgID, messageID.String())

	var (
		clusterIDText string
		confidence    float64
	)
	if err := row.Scan(&clusterIDText, &confidence); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest assignment: %w", err)
	}
	clusterID, err := uuid.Parse(clusterIDText)
	if err != nil {
		return nil, fmt.Errorf("store: latest assignment: %w", err)
	}
	return &domain.Assignment{
		OrgID:      orgID,
		MessageID:  messageID,
		ClusterID:  clusterID,
		Confidence: confidence,
	}, nil
}

func (c *clusterTx) NearestActiveCluster(ctx context.Context, orgID, modelVersion string, embedding []float32) (*domain.ClusterCandidate, error) {
	vec := pgvector.NewVector(embedding)
	// Ties on distance break by ascending cluster_id for determinism.
	row := c.tx.QueryRow(ctx, `
		SELECT cluster_id::text,
		       (centroid_embedding <=> $1::vector) AS dist,
		       centroid_embedding,
		       effective_count
		FROM clusters
		WHERE org_id = $2
		  AND model_version = $3
		  AND is_active = TRUE
		ORDER BY centroid_embedding <=> $1::vector, cluster_id ASC
		LIMIT 1
	`, vec, orgID, modelVersion)

	var (
		clusterIDText  string
		dist           float64
		centroid       pgvector.Vector
		effectiveCount int
	)
	if err := row.Scan(&clusterIDText, &dist, &centroid, &effectiveCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: nearest cluster: %w", err)
	}
	clusterID, err := uuid.Parse(clusterIDText)
	if err != nil {
		return nil, fmt.Errorf("store: nearest cluster: %w", err)
	}
	return &domain.ClusterCandidate{
		ClusterID:      clusterID,
		Distance:       dist,
		Centroid:       centroid.Slice(),
		EffectiveCount: effectiveCount,
	}, nil
}

func (c *clusterTx) CreateCluster(ctx context.Context, orgID, modelVersion string, centroid []float32) (uuid.UUID, error) {
	row := c.tx.QueryRow(ctx, `
		INSERT INTO clusters (
			org_id, model_version, centroid_embedding, label,
			effective_count, last_activity_at, is_active,
			created_at, updated_at
		)
		VALUES ($1, $2, $3::vector, NULL, 1, now(), TRUE, now(), now())
		RETURNING cluster_id::text
	`, orgID, modelVersion, pgvector.NewVector(centroid))

	var idText string
	if err := row.Scan(&idText); err != nil {
		return uuid.Nil, fmt.Errorf("store: create cluster: %w", err)
	}
	id, err := uuid.Parse(idText)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create cluster: %w", err)
	}
	return id, nil
}

func (c *clusterTx) ApplyCentroidUpdate(ctx context.Context, orgID string, clusterID uuid.UUID, centroid []float32) error {
	// effective_count increments in place so a concurrent update cannot
	// lose a count; the centroid itself is last-writer-wins.
	_, err := c.tx.Exec(ctx, `
		UPDATE clusters
		SET centroid_embedding = $1::vector,
		    effective_count = effective_count + 1,
		    last_activity_at = now(),
		    updated_at = now()
		WHERE org_id = $2 AND cluster_id = $3::uuid
	`, pgvector.NewVector(centroid), orgID, clusterID.String())
	if err != nil {
		return fmt.Errorf("store: update cluster: %w", err)
	}
	return nil
}

func (c *clusterTx) UpsertAssignment(ctx context.Context, orgID string, messageID, clusterID uuid.UUID, confidence float64) error {
	_, err := c.tx.Exec(ctx, `
		INSERT INTO message_cluster (org_id, message_id, cluster_id, confidence)
		VALUES ($1, $2::uuid, $3::uuid, $4)
		ON CONFLICT (org_id, message_id, cluster_id) DO NOTHING
	`, orgID, messageID.String(), clusterID.String(), confidence)
	if err != nil {
		return fmt.Errorf("store: upsert assignment: %w", err)
	}
	return nil
}

func (c *clusterTx) UpsertParticipation(ctx context.Context, orgID, userID string, clusterID uuid.UUID, confidence float64) error {
	_, err := c.tx.Exec(ctx, `
		INSERT INTO user_cluster (
			org_id, user_id, cluster_id,
			participation_score, message_count,
			last_activity_at, updated_at
		)
		VALUES ($1, $2, $3::uuid, $4, 1, now(), now())
		ON CONFLICT (org_id, user_id, cluster_id)
		DO UPDATE SET
			participation_score = user_cluster.participation_score + EXCLUDED.participation_score,
			message_count = user_cluster.message_count + 1,
			last_activity_at = now(),
			updated_at = now()
	`, orgID, userID, clusterID.String(), confidence)
	if err != nil {
		return fmt.Errorf("store: upsert participation: %w", err)
	}
	return nil
}
