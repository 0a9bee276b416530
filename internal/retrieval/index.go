// Package retrieval answers a chat message with the requesting tenant's most
// relevant knowledge-base chunks.
//
// Tenant scoping is structural: chunks live under per-tenant key namespaces
// and ChunkSource.ListChunks takes the tenant ID as part of the lookup
// itself, so another tenant's chunks are unreachable from a scoped query
// rather than filtered out after the fact.
package retrieval

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

// ChunkSource lists the stored chunks owned by one tenant. The tenant ID is
// part of the query, not a post-hoc filter.
type ChunkSource interface {
	ListChunks(ctx context.Context, tenantID string) ([]models.ContextChunk, error)
}

type Searcher struct {
	embedder  Embedder
	source    ChunkSource
	limit     int
	threshold float64
	log       *logrus.Logger
}

func NewSearcher(embedder Embedder, source ChunkSource, limit int, threshold float64, log *logrus.Logger) *Searcher {
	return &Searcher{
		embedder:  embedder,
		source:    source,
		limit:     limit,
		threshold: threshold,
		log:       log,
	}
}

// Result carries the ranked chunks plus a degradation marker for the cases
// where the index or embedder was unreachable and the pipeline proceeds with
// no context.
type Result struct {
	Chunks   []models.ContextChunk
	Degraded bool
}

// Search returns up to limit chunks above the relevance threshold, best
// first. An empty result is a normal outcome; generation handles it. Any
// failure degrades to an empty result instead of failing the request, and
// the degradation is logged for operational visibility.
func (s *Searcher) Search(ctx context.Context, tenantID, message string) Result {
	queryEmbedding, err := s.embedder.Embed(ctx, message)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"error":     err,
		}).Warn("embedding failed, degrading to empty context")
		return Result{Degraded: true}
	}

	chunks, err := s.source.ListChunks(ctx, tenantID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"error":     err,
		}).Warn("context index unavailable, degrading to empty context")
		return Result{Degraded: true}
	}

	scored := make([]models.ContextChunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := cosineSimilarity(queryEmbedding, chunk.Embedding)
		if score < s.threshold {
			continue
		}
		chunk.Score = score
		scored = append(scored, chunk)
	}

	// Equal scores tie-break on chunk ID so ranking is deterministic.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})

	if len(scored) > s.limit {
		scored = scored[:s.limit]
	}

	return Result{Chunks: scored}
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
