package extract

import (
	"strings"

	"go.uber.org/zap"

	"github.com/hurttlocker/pestmap/internal/llm"
)

// Chunk sizing constants.
const (
	// DefaultCeiling is the hard token limit of the default model.
	DefaultCeiling = 16000
	// charsPerToken is the starting guess for how many characters fit in a token.
	charsPerToken = 4.0
	// safetyFactor leaves room for differences between the local tokenizer
	// and the one the provider bills with.
	safetyFactor = 0.9
	// shrinkFactor is applied to the multiplier each time a slice is too long.
	shrinkFactor = 0.95
)

// Chunk is one slice of a document wrapped in the stage's prompt scaffolding.
// It is consumed by exactly one model call.
type Chunk struct {
	System string
	User   string
	End    string
}

// Prompt is the user message sent for this chunk.
func (c Chunk) Prompt() string {
	return c.User + c.End
}

// ChunkOpts controls a single Build call.
type ChunkOpts struct {
	// Budget is the token budget per chunk. Zero or above the ceiling uses the ceiling.
	Budget int
	// Examples are the stage's few-shot messages; they count against the budget.
	Examples []llm.Message
	// SingleChunk returns only the head of the document.
	SingleChunk bool
}

// Chunker splits documents into chunks that fit a model's context window.
type Chunker struct {
	tok     Tokenizer
	ceiling int
}

// NewChunker creates a Chunker. A nil tokenizer falls back to EstimateTokenizer
// and a non-positive ceiling to DefaultCeiling.
func NewChunker(tok Tokenizer, ceiling int) *Chunker {
	if tok == nil {
		tok = EstimateTokenizer{}
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Chunker{tok: tok, ceiling: ceiling}
}

// Ceiling returns the chunker's hard token limit.
func (c *Chunker) Ceiling() int {
	return c.ceiling
}

// Build splits text into chunks of at most opts.Budget tokens each, counting
// the system message, end message and few-shot examples.
//
// Each slice starts at budget*4 characters minus the scaffolding length; while
// the measured token count exceeds 90% of the budget the multiplier shrinks by
// 5% and the slice is rebuilt. Slices are contiguous, so joining every chunk's
// User text gives back the input. Boundaries may fall mid-sentence.
func (c *Chunker) Build(system, text, end string, opts ChunkOpts) []Chunk {
	budget := opts.Budget
	switch {
	case budget <= 0:
		budget = c.ceiling
	case budget > c.ceiling:
		zap.L().Warn("token budget above model ceiling, clamping",
			zap.Int("budget", budget),
			zap.Int("ceiling", c.ceiling))
		budget = c.ceiling
	}

	var examples strings.Builder
	for _, ex := range opts.Examples {
		examples.WriteString(ex.Content)
	}
	overhead := len([]rune(system)) + len([]rune(end))
	limit := int(float64(budget) * safetyFactor)
	runes := []rune(text)

	var chunks []Chunk
	for i := 0; i < len(runes); {
		multiplier := charsPerToken
		userLen := int(float64(budget)*multiplier) - overhead
		slice := sliceRunes(runes, i, userLen)
		for userLen > 1 && c.tok.Count(system+slice+end+examples.String()) > limit {
			multiplier *= shrinkFactor
			userLen = int(float64(budget)*multiplier) - overhead
			slice = sliceRunes(runes, i, userLen)
		}
		if userLen < 1 {
			// the scaffolding alone fills the budget; keep moving
			userLen = 1
			slice = sliceRunes(runes, i, userLen)
		}

		chunks = append(chunks, Chunk{System: system, User: slice, End: end})
		i += userLen
		if opts.SingleChunk {
			break
		}
	}
	return chunks
}

func sliceRunes(runes []rune, start, n int) string {
	if n < 1 {
		n = 1
	}
	end := start + n
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}
