// Package mood tags assistant replies with one of a small fixed set of
// affect labels. Classification runs in two stages: an explicit request
// in the user's prompt ("act scared") wins outright; otherwise the reply
// text is scanned against an ordered table of trigger patterns.
//
// A [Classifier] is immutable after [Compile] and safe for concurrent use.
package mood

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Mood is an affect tag attached to every reply.
type Mood string

// The closed set of moods.
const (
	Default  Mood = "default"
	Confused Mood = "confused"
	Happy    Mood = "happy"
	Thinking Mood = "thinking"
	Scared   Mood = "scared"
)

// All lists every mood in content-analysis priority order, followed by
// the default.
var All = []Mood{Confused, Happy, Thinking, Scared, Default}

// Valid reports whether m is one of the known moods.
func (m Mood) Valid() bool {
	switch m {
	case Default, Confused, Happy, Thinking, Scared:
		return true
	}
	return false
}

// Parse converts s to a Mood. Matching ignores case and surrounding
// whitespace.
func Parse(s string) (Mood, bool) {
	m := Mood(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", false
	}
	return m, true
}

// Source records which stage decided a [Result].
type Source string

const (
	SourceExplicit  Source = "explicit"
	SourceDirective Source = "directive"
	SourceContent   Source = "content"
	SourceDefault   Source = "default"
)

// Result is the outcome of [Classifier.Classify].
type Result struct {
	Mood   Mood   `json:"mood"`
	Source Source `json:"source"`
}

// Directive maps a prompt pattern to the mood the user asked for.
type Directive struct {
	Pattern string
	Mood    Mood
}

// Rule lists reply patterns that trigger Mood.
type Rule struct {
	Mood     Mood
	Patterns []string
}

// Table is the uncompiled form of a classifier. Patterns are regular
// expressions matched case-insensitively.
type Table struct {
	// Directives are checked against the prompt, first match wins.
	Directives []Directive
	// Overrides are checked against the reply before Rules.
	Overrides []Rule
	// Rules are checked against the reply in order, first match wins.
	Rules []Rule
}

type compiledRule struct {
	mood     Mood
	patterns []*regexp.Regexp
}

// Classifier is a compiled [Table].
type Classifier struct {
	directives []compiledRule
	overrides  []compiledRule
	rules      []compiledRule
}

// Compile validates every mood and pattern in t.
func Compile(t Table) (*Classifier, error) {
	var errs []error
	c := &Classifier{}

	for i, d := range t.Directives {
		r, err := compileRule(Rule{Mood: d.Mood, Patterns: []string{d.Pattern}})
		if err != nil {
			errs = append(errs, fmt.Errorf("directive %d: %w", i, err))
			continue
		}
		c.directives = append(c.directives, r)
	}
	for i, o := range t.Overrides {
		r, err := compileRule(o)
		if err != nil {
			errs = append(errs, fmt.Errorf("override %d: %w", i, err))
			continue
		}
		c.overrides = append(c.overrides, r)
	}
	for i, rule := range t.Rules {
		r, err := compileRule(rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		c.rules = append(c.rules, r)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// MustCompile is like [Compile] but panics on error. Intended for
// built-in tables.
func MustCompile(t Table) *Classifier {
	c, err := Compile(t)
	if err != nil {
		panic("mood: " + err.Error())
	}
	return c
}

func compileRule(r Rule) (compiledRule, error) {
	if !r.Mood.Valid() || r.Mood == Default {
		return compiledRule{}, fmt.Errorf("invalid mood %q", r.Mood)
	}
	if len(r.Patterns) == 0 {
		return compiledRule{}, fmt.Errorf("mood %s has no patterns", r.Mood)
	}
	out := compiledRule{mood: r.Mood}
	for _, p := range r.Patterns {
		if strings.TrimSpace(p) == "" {
			return compiledRule{}, fmt.Errorf("mood %s: empty pattern", r.Mood)
		}
		if !strings.HasPrefix(p, "(?i)") {
			p = "(?i)" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return compiledRule{}, fmt.Errorf("mood %s: %w", r.Mood, err)
		}
		out.patterns = append(out.patterns, re)
	}
	return out, nil
}

func firstMatch(rules []compiledRule, text string) (Mood, bool) {
	for _, r := range rules {
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return r.mood, true
			}
		}
	}
	return "", false
}

// Requested returns the mood explicitly asked for in prompt, if any.
func (c *Classifier) Requested(prompt string) (Mood, bool) {
	if prompt == "" {
		return "", false
	}
	return firstMatch(c.directives, prompt)
}

// Analyze derives a mood from reply text. Empty text and text matching
// no rule yield [Default].
func (c *Classifier) Analyze(reply string) Mood {
	if reply == "" {
		return Default
	}
	if m, ok := firstMatch(c.overrides, reply); ok {
		return m
	}
	if m, ok := firstMatch(c.rules, reply); ok {
		return m
	}
	return Default
}

// Classify runs the full decision: a valid explicit mood (from the
// inbound payload) wins, then a directive in prompt, then reply content.
func (c *Classifier) Classify(prompt, reply, explicit string) Result {
	if m, ok := Parse(explicit); ok {
		return Result{Mood: m, Source: SourceExplicit}
	}
	if m, ok := c.Requested(prompt); ok {
		return Result{Mood: m, Source: SourceDirective}
	}
	m := c.Analyze(reply)
	if m == Default {
		return Result{Mood: Default, Source: SourceDefault}
	}
	return Result{Mood: m, Source: SourceContent}
}
