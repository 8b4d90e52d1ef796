package intent

import (
	"context"
	"strings"
	"time"
)

// Parser maps a chat message to a Parsed action. Implementations never
// return an error; failures degrade into Smalltalk or Unknown.
type Parser interface {
	Parse(ctx context.Context, conversationID, text string, now time.Time) Parsed
}

// Parsed is the typed result of parsing one message. Only the fields
// relevant to Kind are read by the strategy handling it.
type Parsed struct {
	Kind     Kind         `json:"kind"`
	TaskName string       `json:"task_name,omitempty"`
	Content  string       `json:"content,omitempty"`
	Numbers  []int        `json:"numbers,omitempty"`
	NewName  string       `json:"new_name,omitempty"`
	Percent  *int         `json:"percent,omitempty"`
	Hours    *float64     `json:"hours,omitempty"`
	Start    *time.Time   `json:"start,omitempty"`
	End      *time.Time   `json:"end,omitempty"`
	Targets  []TargetUser `json:"targets,omitempty"`
	Reply    string       `json:"reply,omitempty"`
}

// TargetUser names the user an action applies to: either the sender of the
// message or an explicit directory user id.
type TargetUser struct {
	Self bool   `json:"self,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Resolve returns the concrete user id, substituting sender for Self.
func (t TargetUser) Resolve(sender string) string {
	if t.Self {
		return sender
	}
	return t.ID
}

// ParseTarget interprets a user reference produced by the semantic matcher.
// "-10", "me" and "self" refer to the sender.
func ParseTarget(ref string) TargetUser {
	ref = strings.TrimSpace(ref)
	switch strings.ToLower(ref) {
	case "-10", "me", "self":
		return TargetUser{Self: true}
	}
	return TargetUser{ID: ref}
}

// ResolveTargets resolves every target against sender, dropping blanks and
// duplicates while keeping the first-seen order.
func ResolveTargets(targets []TargetUser, sender string) []string {
	seen := make(map[string]bool, len(targets))
	var ids []string
	for _, t := range targets {
		id := t.Resolve(sender)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
