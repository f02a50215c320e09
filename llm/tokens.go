package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encoderCache memoizes tiktoken lookups per model. Resolution can hit
// the network for unseen encodings, so a failed lookup is also cached.
var encoderCache sync.Map // model -> *tiktoken.Tiktoken (nil when unavailable)

// EstimateTokens approximates the token count of text for model. When a
// tiktoken encoding is available for the model it is used; otherwise the
// count falls back to the ~4 characters per token heuristic, which is
// what local and non-OpenAI models get.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristicTokens(text)
}

func heuristicTokens(text string) int {
	return (len(text) + 3) / 4
}

func encoderFor(model string) *tiktoken.Tiktoken {
	if model == "" {
		return nil
	}
	if cached, ok := encoderCache.Load(model); ok {
		enc, _ := cached.(*tiktoken.Tiktoken)
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = nil
	}
	encoderCache.Store(model, enc)
	return enc
}
