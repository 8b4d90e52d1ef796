package intent

import (
	"context"
	"strings"
	"time"
)

// Composite runs the deterministic matcher first and consults the semantic
// matcher only when the first stage returns Unknown.
type Composite struct {
	deterministic Parser
	semantic      Parser
}

// NewComposite chains two parsers. semantic may be nil, in which case the
// deterministic result is returned as is.
func NewComposite(deterministic, semantic Parser) *Composite {
	return &Composite{deterministic: deterministic, semantic: semantic}
}

// Parse implements Parser.
func (c *Composite) Parse(ctx context.Context, conversationID, text string, now time.Time) Parsed {
	if strings.TrimSpace(text) == "" {
		return Parsed{Kind: Unknown}
	}
	p := c.deterministic.Parse(ctx, conversationID, text, now)
	if p.Kind != Unknown || c.semantic == nil {
		return p
	}
	return c.semantic.Parse(ctx, conversationID, text, now)
}
