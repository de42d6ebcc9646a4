package conversation

import (
	"strings"
	"unicode"

	"github.com/parleyhq/parley/internal/channel"
)

// CommandPrefix marks an envelope as a tool command rather than
// dialogue.
const CommandPrefix = "!"

// Decision is the outcome of the engagement policy for one envelope.
type Decision int

const (
	// DecideCommand routes the envelope to tool dispatch.
	DecideCommand Decision = iota
	// DecideRecordAuthor records without replying: the author matches
	// the wake phrase, so this is the assistant's own (or an injected)
	// message.
	DecideRecordAuthor
	// DecideRecordNoWake records without replying: the transport
	// requires explicit addressing and the text lacks the wake phrase.
	DecideRecordNoWake
	// DecideEngage runs retrieval and generation.
	DecideEngage
)

// Decide applies the engagement policy to one envelope. It is a pure
// predicate over the envelope's text and metadata so the policy can be
// tested without any transport.
func Decide(env *channel.Envelope, wake string) Decision {
	if strings.HasPrefix(env.Text, CommandPrefix) {
		return DecideCommand
	}
	if wake != "" && strings.EqualFold(env.Author, wake) {
		return DecideRecordAuthor
	}
	if env.WakeRequired() && !containsFold(env.Text, wake) {
		return DecideRecordNoWake
	}
	return DecideEngage
}

// ParseCommand splits "!transcribe https://..." into its name and
// argument at the first whitespace run. The name is lowercased; the
// argument keeps its case.
func ParseCommand(text string) (name, arg string) {
	text = strings.TrimPrefix(text, CommandPrefix)
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return strings.ToLower(text), ""
	}
	return strings.ToLower(text[:i]), strings.TrimSpace(text[i:])
}

// stripWake removes the wake phrase from the retrieval query so it
// does not bias similarity search. If stripping empties the text, the
// original is kept.
func stripWake(text, wake string) string {
	if wake == "" {
		return text
	}
	original := text
	lower := strings.ToLower(text)
	needle := strings.ToLower(wake)
	var b strings.Builder
	for {
		i := strings.Index(lower, needle)
		if i < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:i])
		text = text[i+len(needle):]
		lower = lower[i+len(needle):]
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return original
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
