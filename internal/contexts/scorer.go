package contexts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/frinny-ai/frinny/internal/llm"
)

// Scorer rates how well message fits a context's topic summary. Scores
// lie in [0, 1].
type Scorer interface {
	Score(ctx context.Context, message, summary string) (float64, error)
}

// ScorerFunc adapts a function to [Scorer].
type ScorerFunc func(ctx context.Context, message, summary string) (float64, error)

// Score implements [Scorer].
func (f ScorerFunc) Score(ctx context.Context, message, summary string) (float64, error) {
	return f(ctx, message, summary)
}

// ErrInvalidScore is returned for NaN scores.
var ErrInvalidScore = errors.New("invalid relevance score")

// normalize clamps s to [0, 1] and rejects NaN.
func normalize(s float64) (float64, error) {
	if math.IsNaN(s) {
		return 0, ErrInvalidScore
	}
	return math.Min(1, math.Max(0, s)), nil
}

// OverlapScorer scores by how much of the message's vocabulary already
// appears in the summary. Stopwords and short tokens are dropped and
// plural "s" is trimmed before matching. A message sharing at least one
// content word with the summary scores Anchor or more, rising linearly
// to 1 as every content word is shared; a message sharing none scores
// 0. A message with no content words at all ("tell me more") scores
// Anchor against any non-empty summary, so it continues the most
// recent context. It needs no network and is the default scorer.
type OverlapScorer struct {
	// MinTokenLen drops shorter tokens ("a", "of"). Default 3.
	MinTokenLen int
	// Anchor is the score of a single shared content word. Default 0.7.
	Anchor float64
}

// Score implements [Scorer].
func (o OverlapScorer) Score(_ context.Context, message, summary string) (float64, error) {
	minLen := o.MinTokenLen
	if minLen <= 0 {
		minLen = 3
	}
	anchor := o.Anchor
	if anchor <= 0 || anchor > 1 {
		anchor = 0.7
	}
	topic := tokenSet(summary, minLen)
	if len(topic) == 0 {
		return 0, nil
	}
	words := tokenSet(message, minLen)
	if len(words) == 0 {
		return anchor, nil
	}
	shared := 0
	for tok := range words {
		if _, ok := topic[tok]; ok {
			shared++
		}
	}
	if shared == 0 {
		return 0, nil
	}
	return anchor + (1-anchor)*float64(shared)/float64(len(words)), nil
}

// tokenSet returns the lowercased content words of s.
func tokenSet(s string, minLen int) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < minLen {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		out[singular(f)] = struct{}{}
	}
	return out
}

// singular trims a plural "s" from longer words ("weapons", "rules").
func singular(w string) string {
	if len(w) > 4 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

// stopwords are function words and conversational filler that say
// nothing about a conversation's topic.
var stopwords = toSet(
	"about", "after", "again", "all", "also", "and", "any", "are", "because",
	"been", "before", "but", "can", "could", "did", "does", "doing", "for",
	"from", "get", "give", "had", "has", "have", "her", "here", "him", "his",
	"how", "into", "its", "just", "know", "like", "more", "most", "much",
	"need", "not", "now", "off", "one", "only", "other", "our", "out",
	"please", "really", "should", "some", "still", "tell", "than", "thank",
	"thanks", "that", "the", "their", "them", "then", "there", "these",
	"they", "this", "those", "too", "very", "want", "was", "way", "well",
	"were", "what", "when", "where", "which", "while", "who", "why", "will",
	"with", "would", "yes", "you", "your", "explain", "question", "rule",
	"rules", "thing", "things", "work", "works",
)

func toSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

const scorerSystemPrompt = `You rate topical relevance. Given a new user message and a summary of an existing conversation, reply with a single number between 0 and 1: 1 means the message clearly continues that conversation, 0 means it is unrelated. Reply with the number only.`

var numberPattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// LLMScorer asks a chat model for a relevance number.
type LLMScorer struct {
	Client llm.Client
	Model  string
}

// Score implements [Scorer].
func (s *LLMScorer) Score(ctx context.Context, message, summary string) (float64, error) {
	resp, err := s.Client.Chat(ctx, s.Model, []llm.Message{
		{Role: llm.RoleSystem, Content: scorerSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Conversation summary:\n%s\n\nNew message:\n%s", summary, message)},
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("relevance model: %w", err)
	}
	return parseScore(resp.Message.Content)
}

// parseScore extracts the first number from a model reply.
func parseScore(text string) (float64, error) {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("%w: no number in %q", ErrInvalidScore, truncateFront(text, 80))
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidScore, err)
	}
	return normalize(v)
}
