// ABOUTME: Splits source text into bounded, overlapping chunks for embedding
// ABOUTME: Paragraph-first splitting with a rune budget and trailing overlap

package knowledge

import "strings"

// Chunker splits content into chunks of at most maxRunes runes, preferring
// paragraph boundaries. The last overlapRunes runes of each chunk are carried
// into the next chunk to preserve cross-boundary context.
type Chunker struct {
	maxRunes     int
	overlapRunes int
}

// NewChunker creates a chunker. overlapRunes must be smaller than maxRunes.
func NewChunker(maxRunes, overlapRunes int) *Chunker {
	return &Chunker{maxRunes: maxRunes, overlapRunes: overlapRunes}
}

// Split breaks content into chunks. Empty input yields no chunks.
func (c *Chunker) Split(content string) []string {
	units := c.units(content)
	if len(units) == 0 {
		return nil
	}

	var chunks []string
	var current []rune
	fresh := false // current holds content beyond overlap residue

	flush := func() {
		chunks = append(chunks, strings.TrimSpace(string(current)))
		fresh = false
		if c.overlapRunes > 0 && len(current) > c.overlapRunes {
			tail := make([]rune, c.overlapRunes)
			copy(tail, current[len(current)-c.overlapRunes:])
			current = tail
		} else {
			current = nil
		}
	}

	for _, unit := range units {
		sep := 0
		if len(current) > 0 {
			sep = 2 // "\n\n" joining units within a chunk
		}
		if len(current)+sep+len(unit) > c.maxRunes && fresh {
			flush()
			sep = 0
			if len(current) > 0 {
				sep = 2
			}
		}
		if sep == 2 {
			current = append(current, '\n', '\n')
		}
		current = append(current, unit...)
		fresh = true
	}
	if fresh {
		flush()
	}

	return chunks
}

// units returns paragraphs as rune slices, hard-splitting any paragraph that
// could not fit into a chunk that already carries overlap residue.
func (c *Chunker) units(content string) [][]rune {
	// A unit must fit after overlap residue plus a two-rune separator
	unitBudget := c.maxRunes - c.overlapRunes - 2
	if unitBudget < 1 {
		unitBudget = 1
	}

	var units [][]rune
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		for len(runes) > unitBudget {
			piece := make([]rune, unitBudget)
			copy(piece, runes[:unitBudget])
			units = append(units, piece)
			runes = runes[unitBudget:]
		}
		if len(runes) > 0 {
			units = append(units, runes)
		}
	}
	return units
}
