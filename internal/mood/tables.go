package mood

import (
	"fmt"

	"github.com/frinny-ai/frinny/internal/config"
)

// DefaultTable returns the built-in phrase tables.
func DefaultTable() Table {
	return Table{
		Directives: []Directive{
			{`be confused`, Confused},
			{`act confused`, Confused},
			{`be happy`, Happy},
			{`act happy`, Happy},
			{`be excited`, Happy},
			{`be thoughtful`, Thinking},
			{`think about`, Thinking},
			{`be scared`, Scared},
			{`act scared`, Scared},
			{`be frightened`, Scared},
		},
		Overrides: []Rule{
			{Thinking, []string{`spell attacks`}},
			{Scared, []string{`about to die`, `help!`}},
		},
		Rules: []Rule{
			{Confused, []string{
				`I'm not sure`,
				`I don't know`,
				`could you clarify`,
				`what do you mean`,
				`I'm confused`,
				`that's unclear`,
				`I need more information`,
				`can you explain`,
				`I'm not familiar`,
				`I'm unfamiliar`,
				`please provide more details`,
				`could you specify`,
				`not enough information`,
				`I'll need to know more`,
			}},
			{Happy, []string{
				`great choice`,
				`excellent`,
				`perfect`,
				`that's awesome`,
				`fantastic`,
				`congratulations`,
				`well done`,
				`sounds fun`,
				`exciting`,
				`I love`,
				`awesome`,
				`natural 20`,
				`critical hit`,
				`success`,
				`great news`,
			}},
			{Thinking, []string{
				`let me think`,
				`considering`,
				`analyzing`,
				`there are several`,
				`options include`,
				`possibilities`,
				`alternatively`,
				`on one hand`,
				`on the other hand`,
				`let's consider`,
				`can be a bit tricky`,
				`complex`,
				`different ways`,
				`depends on`,
				`understand how`,
				`understanding`,
				`spell attacks`,
			}},
			{Scared, []string{
				`be careful`,
				`dangerous`,
				`caution`,
				`warning`,
				`threat`,
				`risky`,
				`deadly`,
				`watch out`,
				`hazardous`,
				`lethal`,
				`oh no`,
				`about to die`,
				`emergency`,
				`critical situation`,
				`help`,
				`turn things around`,
				`danger`,
			}},
		},
	}
}

// FromConfig builds a classifier from the default tables with any
// configured sections swapped in. Configured directives replace the
// built-in directives; configured rules replace the built-in rules and
// overrides together.
func FromConfig(cfg config.MoodConfig) (*Classifier, error) {
	t := DefaultTable()
	if len(cfg.Directives) > 0 {
		t.Directives = t.Directives[:0]
		for _, d := range cfg.Directives {
			m, ok := Parse(d.Mood)
			if !ok {
				return nil, fmt.Errorf("mood directive %q: unknown mood %q", d.Pattern, d.Mood)
			}
			t.Directives = append(t.Directives, Directive{Pattern: d.Pattern, Mood: m})
		}
	}
	if len(cfg.Rules) > 0 {
		t.Overrides = nil
		t.Rules = t.Rules[:0]
		for _, r := range cfg.Rules {
			m, ok := Parse(r.Mood)
			if !ok {
				return nil, fmt.Errorf("mood rule: unknown mood %q", r.Mood)
			}
			t.Rules = append(t.Rules, Rule{Mood: m, Patterns: r.Patterns})
		}
	}
	return Compile(t)
}
