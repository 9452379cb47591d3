package extract

import (
	"github.com/rotisserie/eris"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	"go.uber.org/zap"
)

// Tokenizer counts the tokens a model would see for a piece of text.
type Tokenizer interface {
	Count(text string) int
}

// EstimateTokenizer approximates one token per four characters.
type EstimateTokenizer struct{}

// Count rounds up so short strings are never free.
func (EstimateTokenizer) Count(text string) int {
	return (len(text) + 3) / 4
}

// HFTokenizer counts tokens with a HuggingFace tokenizer.json.
type HFTokenizer struct {
	tk *tokenizer.Tokenizer
}

// LoadTokenizer loads a tokenizer.json. An empty path returns EstimateTokenizer.
func LoadTokenizer(path string) (Tokenizer, error) {
	if path == "" {
		return EstimateTokenizer{}, nil
	}
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: load tokenizer %s", path)
	}
	return &HFTokenizer{tk: tk}, nil
}

// Count encodes text without special tokens. Encoding failures fall back to
// the character estimate.
func (h *HFTokenizer) Count(text string) int {
	en, err := h.tk.EncodeSingle(text, false)
	if err != nil {
		zap.L().Debug("tokenizer encode failed, estimating", zap.Error(err))
		return EstimateTokenizer{}.Count(text)
	}
	return len(en.Ids)
}
