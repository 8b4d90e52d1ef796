package intent

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Replies produced by the deterministic matcher.
const (
	GreetingReply = "Hello, how can I help You?"
	ThanksReply   = "You're welcome! 😊"
)

type rule struct {
	re    *regexp.Regexp
	build func(text string) Parsed
}

// Deterministic matches a small, fixed set of messages with regular
// expressions. Rules are tried in order and the first match wins.
type Deterministic struct {
	rules []rule
}

// NewDeterministic returns the default rule set.
func NewDeterministic() *Deterministic {
	return &Deterministic{rules: []rule{
		{
			re: regexp.MustCompile(`(?i)^(cześć|hej|witam|dzień dobry|siema|hello|hi|good morning|hi there)$`),
			build: func(string) Parsed {
				return Parsed{Kind: Smalltalk, Reply: GreetingReply}
			},
		},
		{
			re: regexp.MustCompile(`(?i)^(dzięki|dziękuję|thanks|thx|ok|okej)$`),
			build: func(string) Parsed {
				return Parsed{Kind: Smalltalk, Reply: ThanksReply}
			},
		},
	}}
}

// Parse implements Parser.
func (d *Deterministic) Parse(_ context.Context, _ string, text string, _ time.Time) Parsed {
	text = strings.TrimSpace(text)
	if text == "" {
		return Parsed{Kind: Unknown}
	}
	for _, r := range d.rules {
		if r.re.MatchString(text) {
			return r.build(text)
		}
	}
	if nums, ok := ParseSelection(text); ok {
		return Parsed{Kind: ParsedNumbers, Numbers: nums}
	}
	return Parsed{Kind: Unknown, Content: text}
}
