package skills

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Embedder produces fixed-dimension vector representations of skill text.
// Implementations are heavy to construct and are acquired lazily by the
// VectorIndex — see NewVectorIndex.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Available() bool
}

// hashEmbedder is a deterministic, dependency-free Embedder: each lower-cased
// word of the input text is hashed with SHA-256 into one of dim components,
// and the word counts are normalized to a unit vector, so texts that share
// words score above zero against each other. It stands in
// for a real model-backed embedder in hosts that have not wired one, and is
// what the test suite uses so assertions never depend on external model
// behavior. It is always Available.
type hashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a deterministic Embedder of the given dimension.
func NewHashEmbedder(dim int) Embedder {
	return &hashEmbedder{dim: dim}
}

func (e *hashEmbedder) Dimension() int { return e.dim }
func (e *hashEmbedder) Available() bool { return true }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, e.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := sha256.Sum256([]byte(w))
		out[binary.LittleEndian.Uint32(h[:4])%uint32(e.dim)]++
	}
	return normalizeVector(out), nil
}

func normalizeVector(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}
	var norm float64
	for _, val := range v {
		norm += float64(val) * float64(val)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = float32(float64(val) / norm)
	}
	return result
}

// unavailableEmbedder always reports itself unavailable and fails Embed,
// modeling the "embedding capability absent at runtime" case: the
// VectorIndex built on top of it degrades to a no-op rather than erroring.
type unavailableEmbedder struct {
	dim int
}

// NewUnavailableEmbedder returns an Embedder that is never available,
// for exercising the degraded-mode path.
func NewUnavailableEmbedder(dim int) Embedder {
	return &unavailableEmbedder{dim: dim}
}

func (e *unavailableEmbedder) Dimension() int  { return e.dim }
func (e *unavailableEmbedder) Available() bool { return false }
func (e *unavailableEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errVectorUnavailable("embed")
}

// cachingEmbedder wraps an Embedder with a SQLite-backed content-addressed
// cache: once the vector for a text (by SHA-256 hash) has been written to the
// cache, identical text is served from it without paying the embedding cost
// again. The write happens in a background goroutine, so a repeat lookup that
// arrives before it lands embeds the text again. This matters most during
// RebuildIndex, where the same content is frequently re-embedded after a
// partial failure.
type cachingEmbedder struct {
	inner   Embedder
	db      *sql.DB
	modelID string

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewCachingEmbedder wraps inner with a persistent cache table in db.
func NewCachingEmbedder(inner Embedder, db *sql.DB, modelID string) Embedder {
	return &cachingEmbedder{inner: inner, db: db, modelID: modelID}
}

func (c *cachingEmbedder) Dimension() int  { return c.inner.Dimension() }
func (c *cachingEmbedder) Available() bool { return c.inner.Available() }

func (c *cachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := hashContent(text)

	if cached, ok := c.getFromCache(ctx, hash); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return cached, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	go c.cacheAsync(hash, vec)
	return vec, nil
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}

func (c *cachingEmbedder) getFromCache(ctx context.Context, hash string) ([]float32, bool) {
	var blob []byte
	var dim int
	err := c.db.QueryRowContext(ctx,
		`SELECT embedding, dimension FROM content_embedding_cache WHERE content_hash = ? AND model_id = ?`,
		hash, c.modelID,
	).Scan(&blob, &dim)
	if err != nil {
		return nil, false
	}
	if dim != c.inner.Dimension() {
		log.Warn().Str("component", "embedder_cache").Msg("cached embedding dimension mismatch, treating as miss")
		return nil, false
	}
	vec := bytesToFloat32Slice(blob)
	if vec == nil {
		return nil, false
	}
	return vec, true
}

func (c *cachingEmbedder) cacheAsync(hash string, vec []float32) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO content_embedding_cache (content_hash, model_id, embedding, dimension, last_used_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(content_hash, model_id) DO UPDATE SET last_used_at = excluded.last_used_at
	`, hash, c.modelID, float32SliceToBytes(vec), len(vec))
	if err != nil {
		log.Debug().Err(err).Msg("embedding cache write failed")
	}
}

// Stats reports cache hit/miss counters.
func (c *cachingEmbedder) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// EvictStale removes cache rows whose last_used_at is older than staleDays.
// last_used_at is set when a row is written; cache hits do not refresh it.
func (c *cachingEmbedder) EvictStale(ctx context.Context, staleDays int) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM content_embedding_cache WHERE last_used_at < datetime('now', ?)`,
		fmt.Sprintf("-%d days", staleDays),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
