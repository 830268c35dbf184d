// ABOUTME: Knowledge store service: chunked, embedded, semantically searchable project memory
// ABOUTME: Handles indexing, nearest-neighbor queries, duplicate detection and garbage collection

package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// ErrEmptyContent is returned when indexing is attempted with no content.
var ErrEmptyContent = errors.New("content is empty")

// ErrDimensionMismatch is returned when the provider yields vectors whose
// dimensionality differs from what this store instance was built with.
var ErrDimensionMismatch = errors.New("embedding dimensionality mismatch")

// TagTask marks chunks that hold task descriptions; the duplicate advisor
// scans only this pool.
const TagTask = "task"

// Options configures a knowledge Service.
type Options struct {
	MaxChunkRunes     int
	ChunkOverlapRunes int
	ProviderTimeout   time.Duration
	CacheTTL          time.Duration
	CacheSize         int
}

// Result is one query hit.
type Result struct {
	Chunk *store.KnowledgeChunk
	Score float64
}

// Match is the duplicate advisor's best candidate.
type Match struct {
	SourceRef string
	Content   string
	Score     float64
}

// QueryFilter narrows a query to chunks carrying all given tags and,
// optionally, a single source.
type QueryFilter struct {
	Tags      []string
	SourceRef string
}

// Service implements the knowledge store over a persistence backend and an
// embedding provider. Writes are not linearizable with concurrent queries;
// a query may miss a chunk indexed moments earlier.
type Service struct {
	store    store.Store
	provider Provider
	bus      *events.Bus
	chunker  *Chunker
	cache    *embedCache
	timeout  time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	dim int // fixed after the first successful embed
}

// NewService creates a knowledge service.
func NewService(st store.Store, provider Provider, bus *events.Bus, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	return &Service{
		store:    st,
		provider: provider,
		bus:      bus,
		chunker:  NewChunker(opts.MaxChunkRunes, opts.ChunkOverlapRunes),
		cache:    newEmbedCache(opts.CacheTTL, opts.CacheSize),
		timeout:  opts.ProviderTimeout,
		logger:   slog.Default().With("component", "knowledge"),
	}
}

// Close releases the embedding cache.
func (s *Service) Close() {
	s.cache.Close()
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Index chunks content, embeds each chunk and persists the result, replacing
// any prior chunks for the same source. Unchanged content (same hash) is a
// no-op, making re-indexing idempotent and cheap under retries.
// Returns the number of chunks persisted.
func (s *Service) Index(ctx context.Context, sourceRef, content string, tags []string) (int, error) {
	if sourceRef == "" {
		return 0, fmt.Errorf("%w: source_ref", ErrEmptyContent)
	}
	if content == "" {
		return 0, ErrEmptyContent
	}

	hash := contentHash(content)
	if prior, err := s.store.GetSourceHash(ctx, sourceRef); err == nil && prior == hash {
		s.logger.Debug("content unchanged, skipping re-index", "source_ref", sourceRef)
		return 0, nil
	}

	pieces := s.chunker.Split(content)
	vectors, err := s.embed(ctx, pieces)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	chunks := make([]*store.KnowledgeChunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &store.KnowledgeChunk{
			ID:         uuid.New().String(),
			SourceRef:  sourceRef,
			Seq:        i,
			Content:    piece,
			SourceHash: hash,
			Embedding:  vectors[i],
			Tags:       tags,
			IndexedAt:  now,
		}
	}

	if err := s.store.ReplaceChunks(ctx, sourceRef, chunks); err != nil {
		return 0, fmt.Errorf("persisting chunks: %w", err)
	}

	s.logger.Debug("indexed source", "source_ref", sourceRef, "chunks", len(chunks))
	if s.bus != nil {
		s.bus.Publish(events.TypeKnowledgeIndexed, map[string]any{
			"source_ref": sourceRef,
			"chunks":     len(chunks),
		})
	}
	return len(chunks), nil
}

// embed returns one vector per text, consulting the cache first and calling
// the provider only for misses, under the configured timeout.
func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if cached := s.cache.Get(contentHash(text)); cached != nil {
			vectors[i] = cached
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		embedCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			embedCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		fresh, err := s.provider.Embed(embedCtx, missTexts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		if len(fresh) != len(missTexts) {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrProviderUnavailable, len(fresh), len(missTexts))
		}
		for j, vec := range fresh {
			s.cache.Put(contentHash(missTexts[j]), vec)
			vectors[missIdx[j]] = vec
		}
	}

	// Dimensionality is fixed per store instance
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vec := range vectors {
		if s.dim == 0 {
			s.dim = len(vec)
		}
		if len(vec) != s.dim {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, s.dim, len(vec))
		}
	}
	return vectors, nil
}

// Query embeds the text and returns the k nearest chunks by cosine
// similarity, optionally filtered. Provider failure degrades to an empty
// result rather than failing the query; an empty store is an empty result.
func (s *Service) Query(ctx context.Context, text string, k int, filter QueryFilter) ([]Result, error) {
	if text == "" || k <= 0 {
		return nil, nil
	}

	vectors, err := s.embed(ctx, []string{text})
	if err != nil {
		s.logger.Warn("provider unavailable, returning empty query result", "error", err)
		return nil, nil
	}

	return s.nearest(ctx, vectors[0], k, store.ChunkFilter{
		Tags:      filter.Tags,
		SourceRef: filter.SourceRef,
	})
}

// nearest scans the chunk table and returns the top k by cosine similarity.
// Ties are broken by most recent indexing time.
func (s *Service) nearest(ctx context.Context, query []float32, k int, filter store.ChunkFilter) ([]Result, error) {
	chunks, err := s.store.ListChunks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}

	results := make([]Result, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) != len(query) {
			continue
		}
		results = append(results, Result{Chunk: chunk, Score: Cosine(query, chunk.Embedding)})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.IndexedAt.After(results[j].Chunk.IndexedAt)
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// DuplicateCheck is the Duplicate/Placement Advisor: it embeds text and
// looks for the best match inside the pool of chunks tagged poolTag.
// Returns the best match at or above threshold, or nil if none. Provider
// failure surfaces as ErrProviderUnavailable so callers can fail open.
func (s *Service) DuplicateCheck(ctx context.Context, text, poolTag string, threshold float64) (*Match, error) {
	if text == "" {
		return nil, nil
	}

	vectors, err := s.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	results, err := s.nearest(ctx, vectors[0], 1, store.ChunkFilter{Tags: []string{poolTag}})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].Score < threshold {
		return nil, nil
	}

	best := results[0]
	return &Match{
		SourceRef: best.Chunk.SourceRef,
		Content:   best.Chunk.Content,
		Score:     best.Score,
	}, nil
}

// GarbageCollect removes chunks for every source the predicate reports stale.
// Returns the number of sources removed.
func (s *Service) GarbageCollect(ctx context.Context, stale func(sourceRef string) bool) (int, error) {
	sources, err := s.store.ListChunkSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sources: %w", err)
	}

	removed := 0
	for _, src := range sources {
		if !stale(src) {
			continue
		}
		if err := s.store.DeleteChunksBySource(ctx, src); err != nil {
			return removed, fmt.Errorf("removing source %s: %w", src, err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("garbage collected stale sources", "count", removed)
	}
	return removed, nil
}

// Forget removes all chunks for one source. Used when a task is archived.
func (s *Service) Forget(ctx context.Context, sourceRef string) error {
	return s.store.DeleteChunksBySource(ctx, sourceRef)
}

// Cosine computes symmetric cosine similarity between two equal-length
// vectors. Zero vectors yield zero similarity.
func Cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
