package intent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/nlp"
)

// Replies produced when the semantic matcher cannot classify a message.
const (
	FallbackReply    = "I couldn’t understand your message. Could you try again?"
	RateLimitedReply = "⏳ You're sending requests too quickly. Please wait a moment and try again."
)

var (
	jsonFence = regexp.MustCompile("(?is)```json\\s*(\\{.*\\})\\s*```")
	anyFence  = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*(\\{.*\\})\\s*```")
)

// Semantic asks a reasoning backend to classify free text.
type Semantic struct {
	backend nlp.Backend
	limiter *nlp.RateLimiter
}

// NewSemantic returns a semantic matcher. limiter may be nil to disable
// per-conversation rate limiting.
func NewSemantic(backend nlp.Backend, limiter *nlp.RateLimiter) *Semantic {
	return &Semantic{backend: backend, limiter: limiter}
}

// Parse implements Parser.
func (s *Semantic) Parse(ctx context.Context, conversationID, text string, now time.Time) Parsed {
	log := trace.Logger(ctx).With("conversation", conversationID)

	if s.limiter != nil && !s.limiter.Allow(conversationID) {
		log.Warn("semantic parse rate limited")
		return Parsed{Kind: Smalltalk, Reply: RateLimitedReply, Content: text}
	}

	raw, err := s.backend.Complete(ctx, nlp.Request{ConversationID: conversationID, Text: text, Now: now})
	if err != nil {
		if errors.Is(err, nlp.ErrRateLimit) {
			log.Warn("reasoning backend rate limited", "err", err)
			return Parsed{Kind: Smalltalk, Reply: RateLimitedReply, Content: text}
		}
		return fallback(log, text, "backend error", err)
	}
	log.Debug("reasoning backend response", "raw", raw)

	body := extractJSON(raw)
	if body == "" {
		return fallback(log, text, "no JSON object in response", nil)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return fallback(log, text, "response is not a JSON object", err)
	}
	obj = canonicalize(obj)
	if !validatePayload(obj) {
		return fallback(log, text, "payload failed schema validation", nil)
	}

	p, err := decodePayload(obj, now.Location())
	if err != nil {
		return fallback(log, text, "payload could not be decoded", err)
	}
	return p
}

func fallback(log *slog.Logger, text, reason string, err error) Parsed {
	log.Warn("semantic parse fell back to smalltalk", "reason", reason, "err", err)
	return Parsed{Kind: Smalltalk, Reply: FallbackReply, Content: text}
}

// extractJSON finds the JSON object in a model response. A ```json fence
// wins over any other fence, which wins over the outermost braces.
func extractJSON(text string) string {
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first >= 0 && last > first {
		return strings.TrimSpace(text[first : last+1])
	}
	return ""
}

type payload struct {
	Action          string   `json:"action"`
	TaskName        *string  `json:"taskName"`
	Content         *string  `json:"content"`
	Reply           *string  `json:"reply"`
	NewName         *string  `json:"newName"`
	PercentComplete *int     `json:"percentComplete"`
	Time            *float64 `json:"time"`
	ParsedNumbers   []int    `json:"parsedNumbers"`
	StartDate       *string  `json:"startDate"`
	EndDate         *string  `json:"endDate"`
	UserIDs         []any    `json:"userIds"`
}

func decodePayload(obj map[string]any, loc *time.Location) (Parsed, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return Parsed{}, err
	}
	var pl payload
	if err := json.Unmarshal(b, &pl); err != nil {
		return Parsed{}, err
	}

	p := Parsed{
		Kind:     ParseKind(pl.Action),
		TaskName: strings.TrimSpace(deref(pl.TaskName)),
		Content:  strings.TrimSpace(deref(pl.Content)),
		Reply:    deref(pl.Reply),
		NewName:  strings.TrimSpace(deref(pl.NewName)),
		Percent:  pl.PercentComplete,
		Hours:    pl.Time,
		Numbers:  pl.ParsedNumbers,
		Start:    parseTimestamp(deref(pl.StartDate), loc),
		End:      parseTimestamp(deref(pl.EndDate), loc),
	}
	for _, raw := range pl.UserIDs {
		switch v := raw.(type) {
		case string:
			p.Targets = append(p.Targets, ParseTarget(v))
		case float64:
			p.Targets = append(p.Targets, ParseTarget(strconv.FormatFloat(v, 'f', -1, 64)))
		}
	}
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 and a few zone-less layouts, which are
// read in loc. Unparseable values are treated as absent.
func parseTimestamp(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t
		}
	}
	return nil
}
