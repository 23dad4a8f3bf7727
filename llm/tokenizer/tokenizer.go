// Package tokenizer estimates token counts for usage accounting when a
// provider omits them. Counts are deterministic for a given model+text:
// tiktoken when an encoding is known, otherwise len(text)/4 rounded up.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps model-id prefixes to tiktoken encodings, most
// specific prefix first ("gpt-4o" must win over "gpt-4"). Models from
// non-OpenAI providers fall through to the character heuristic, which
// is the documented approximation for them.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4.1", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
}

// Estimator lazily initialises tiktoken encoders, one per encoding name.
// Safe for concurrent use.
type Estimator struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

// NewEstimator creates an empty estimator; encoders load on first use.
func NewEstimator() *Estimator {
	return &Estimator{encs: make(map[string]*tiktoken.Tiktoken)}
}

// Estimate returns the token count for text under the given model.
// Falls back to CharEstimate when no encoder is available.
func (e *Estimator) Estimate(model, text string) int {
	if text == "" {
		return 0
	}
	name := encodingFor(model)
	if name == "" {
		return CharEstimate(text)
	}

	e.mu.Lock()
	enc, ok := e.encs[name]
	if !ok {
		var err error
		enc, err = tiktoken.GetEncoding(name)
		if err != nil {
			// Encoding data unavailable (e.g. offline); remember the
			// miss so we do not retry on every call.
			e.encs[name] = nil
		} else {
			e.encs[name] = enc
		}
	}
	e.mu.Unlock()

	if enc == nil {
		return CharEstimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CharEstimate is the documented fallback approximation: one token per
// four characters, rounded up. Applied symmetrically to prompt and
// completion so the total stays internally consistent.
func CharEstimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func encodingFor(model string) string {
	for _, e := range modelEncodings {
		if strings.HasPrefix(model, e.prefix) {
			return e.encoding
		}
	}
	return ""
}
