// Package embed turns message text into fixed-dimension embeddings and
// forwards them down the pipeline. Two backends exist: a remote model
// service speaking HTTP JSON, and a deterministic stub for development and
// as a fallback.
package embed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalkai/network-builder/engine/domain"
	"github.com/crosstalkai/network-builder/pkg/resilience"
)

// Backend computes one embedding per text. Implementations return
// L2-normalized vectors of their configured dimension.
type Backend interface {
	Embed(ctx context.Context, orgID string, messageID uuid.UUID, text string) ([]float32, error)
	Name() string
}

// seedPrefixLen bounds how much of the text feeds the stub seed.
const seedPrefixLen = 128

// StubBackend derives a deterministic pseudo-random embedding from the
// message identity, so replays and tests always see the same vector.
type StubBackend struct {
	dim int
}

// NewStubBackend creates a stub backend producing dim-sized vectors.
func NewStubBackend(dim int) *StubBackend {
	return &StubBackend{dim: dim}
}

func (s *StubBackend) Name() string { return "stub" }

// Embed seeds a PRNG from SHA-256(org::message_id::text prefix) and draws
// uniform floats in [-1, 1], then normalizes.
func (s *StubBackend) Embed(_ context.Context, orgID string, messageID uuid.UUID, text string) ([]float32, error) {
	prefix := text
	if len(prefix) > seedPrefixLen {
		prefix = prefix[:seedPrefixLen]
	}
	h := sha256.Sum256([]byte(orgID + "::" + messageID.String() + "::" + prefix))
	seed := binary.BigEndian.Uint64(h[:8])

	rng := rand.New(rand.NewSource(int64(seed)))
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = float32(rng.Float64()*2 - 1)
	}
	return domain.Normalize(vec), nil
}

// RemoteBackend calls an embedding model service over HTTP. Calls go
// through a circuit breaker so a dead service fails fast instead of eating
// the full timeout on every delivery.
type RemoteBackend struct {
	url     string
	dim     int
	client  *http.Client
	breaker *resilience.Breaker
}

// NewRemoteBackend creates a remote backend for the given service URL.
func NewRemoteBackend(url string, dim int, timeout time.Duration) *RemoteBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteBackend{
		url:     url,
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

func (r *RemoteBackend) Name() string { return "remote" }

type remoteEmbedReq struct {
	Inputs string `json:"inputs"`
}

// Embed posts the text and decodes either a flat vector or a single-row
// batch response.
func (r *RemoteBackend) Embed(ctx context.Context, _ string, _ uuid.UUID, text string) ([]float32, error) {
	var vec []float32
	err := r.breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		vec, callErr = r.embed(ctx, text)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return vec, nil
}

func (r *RemoteBackend) embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(remoteEmbedReq{Inputs: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote embed: status %d", resp.StatusCode)
	}

	// The service may answer [x, y, ...] or [[x, y, ...]].
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("remote embed decode: %w", err)
	}

	var flat []float32
	if err := json.Unmarshal(raw, &flat); err != nil {
		var batch [][]float32
		if err := json.Unmarshal(raw, &batch); err != nil || len(batch) == 0 {
			return nil, fmt.Errorf("remote embed: unexpected response shape")
		}
		flat = batch[0]
	}

	if len(flat) != r.dim {
		return nil, domain.NewMalformedEvent("embedding", "embedding",
			fmt.Errorf("dimension mismatch: expected %d, got %d", r.dim, len(flat)))
	}
	return domain.Normalize(flat), nil
}
