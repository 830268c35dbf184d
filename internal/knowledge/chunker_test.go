// ABOUTME: Tests for paragraph-first chunk splitting with rune budgets and overlap
// ABOUTME: Verifies size bounds, boundary preferences, and oversized paragraph handling

package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmpty(t *testing.T) {
	c := NewChunker(100, 20)
	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\n  \n\n"))
}

func TestSplitShortContent(t *testing.T) {
	c := NewChunker(100, 20)
	chunks := c.Split("a short note")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short note", chunks[0])
}

func TestSplitPacksParagraphs(t *testing.T) {
	c := NewChunker(100, 10)
	chunks := c.Split("first paragraph\n\nsecond paragraph")
	require.Len(t, chunks, 1)
	assert.Equal(t, "first paragraph\n\nsecond paragraph", chunks[0])
}

func TestSplitRespectsMaxRunes(t *testing.T) {
	c := NewChunker(50, 10)
	content := strings.Repeat("alpha beta gamma delta epsilon ", 20)
	chunks := c.Split(content)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 50, "chunk %d over budget", i)
		assert.NotEmpty(t, chunk)
	}
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	c := NewChunker(40, 0)
	chunks := c.Split("first paragraph here\n\nsecond paragraph here")
	require.Len(t, chunks, 2)
	assert.Equal(t, "first paragraph here", chunks[0])
	assert.Equal(t, "second paragraph here", chunks[1])
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	c := NewChunker(30, 8)
	content := strings.Repeat("x", 25) + "\n\n" + strings.Repeat("y", 10)
	chunks := c.Split(content)
	require.Len(t, chunks, 2)
	// the second chunk carries the tail of the first for context
	assert.Contains(t, chunks[1], "xxxx")
	assert.Contains(t, chunks[1], "yyyy")
}

func TestSplitCoversAllContent(t *testing.T) {
	c := NewChunker(60, 12)
	content := "one two three four five\n\nsix seven eight nine ten\n\neleven twelve thirteen fourteen"
	chunks := c.Split(content)

	joined := strings.Join(chunks, " ")
	for _, word := range strings.Fields(strings.ReplaceAll(content, "\n", " ")) {
		assert.Contains(t, joined, word)
	}
}

func TestSplitHardSplitsOversizedParagraph(t *testing.T) {
	c := NewChunker(20, 4)
	content := strings.Repeat("z", 100)
	chunks := c.Split(content)
	require.Greater(t, len(chunks), 3)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 20)
	}
}
