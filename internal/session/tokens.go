package session

import "strings"

// CharsPerToken is the estimation heuristic: roughly 4 characters per
// token for English text. The generation backend runs its own tokenizer;
// the reply margin in the actor absorbs the drift between the two.
const CharsPerToken = 4

// EstimateTokens estimates the token count of a text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// Per-message framing cost and the reply priming cost, mirroring the
// chat-completion accounting of OpenAI-style backends.
const (
	messageOverhead = 4
	replyPriming    = 3
)

const defaultWindow = 4096

var windows = map[string]int{
	"gpt-3.5-turbo":     4096,
	"gpt-3.5-turbo-16k": 16384,
	"gpt-4":             8192,
	"gpt-4-32k":         32768,
	"gpt-4-turbo":       128000,
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
}

// Window returns the context window size in tokens for a model name.
// Dated variants ("gpt-4-32k-0613") resolve through their longest known
// prefix; unknown models get the conservative default.
func Window(model string) int {
	if w, ok := windows[model]; ok {
		return w
	}

	best := 0
	window := defaultWindow
	for name, w := range windows {
		if strings.HasPrefix(model, name) && len(name) > best {
			best = len(name)
			window = w
		}
	}
	return window
}

// PromptCost estimates the token cost of a rendered prompt, including
// per-message framing and reply priming.
func PromptCost(msgs []Message) int {
	cost := replyPriming
	for _, m := range msgs {
		cost += messageOverhead + EstimateTokens(m.Content) + EstimateTokens(m.Name)
	}
	return cost
}
