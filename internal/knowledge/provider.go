// ABOUTME: Embedding/completion provider capability consumed by the knowledge store
// ABOUTME: Defines the narrow interface plus a deterministic local provider for tests and degraded mode

package knowledge

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
)

// ErrProviderUnavailable indicates the embedding/completion provider failed
// or timed out. Callers treat this as a degraded-mode condition, not fatal.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Message is one turn of a completion conversation.
type Message struct {
	Role    string
	Content string
}

// Provider is the capability interface for the external embedding/completion
// service. The concrete HTTP client lives outside the core.
type Provider interface {
	// Embed returns one vector per input text. All vectors have the same
	// dimensionality for a given provider.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Complete returns the assistant's next message for the conversation.
	Complete(ctx context.Context, messages []Message) (string, error)
}

// StaticProvider is a deterministic, dependency-free Provider: texts are
// embedded as normalized bag-of-words hash buckets. Similar texts produce
// similar vectors, which is enough for tests and for degraded operation
// when no external provider is configured.
type StaticProvider struct {
	dim int
}

// NewStaticProvider creates a static provider with the given dimensionality.
func NewStaticProvider(dim int) *StaticProvider {
	if dim <= 0 {
		dim = 64
	}
	return &StaticProvider{dim: dim}
}

// Embed hashes each whitespace token into a bucket and L2-normalizes.
func (p *StaticProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, p.dim)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(strings.Trim(token, ".,;:!?\"'()[]{}")))
			vec[h.Sum32()%uint32(p.dim)]++
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= inv
			}
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Complete is not supported by the static provider.
func (p *StaticProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	return "", ErrProviderUnavailable
}
