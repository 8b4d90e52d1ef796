// Package nlp provides the reasoning backends that classify free text for
// Kanri's semantic intent matcher.
//
// A backend only proposes an action. It receives the raw message, the
// conversation id and the current time, and returns the model's raw text
// answer, which is expected to contain one JSON payload (see
// DefaultCatalogue for the fields). Validation and decoding happen in the
// intent package.
//
// Three backends are available:
//   - chat: OpenAI-compatible chat completions in JSON mode
//   - assistants: OpenAI assistants threads/runs, one thread per conversation
//   - gemini: Google Gemini through google.golang.org/genai
package nlp

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimit is returned when the upstream API reports a rate-limiting
// condition (HTTP 429). The intent layer surfaces a "slow down" reply
// instead of the generic apology.
var ErrRateLimit = errors.New("nlp: upstream rate limit exceeded")

// ErrNoAnswer is returned when the backend finished without producing a
// usable answer: a run that ended in a non-completed state, a poll that timed
// out, or an empty completion.
var ErrNoAnswer = errors.New("nlp: no answer from reasoning backend")

// Request is the input to a single classification call.
type Request struct {
	// ConversationID keys server-side threads and rate limiting.
	ConversationID string
	// Text is the raw message as typed by the user.
	Text string
	// Now is the wall-clock time of the message, given to the model so it
	// can resolve relative dates ("yesterday", "last week").
	Now time.Time
}

// Backend is the interface every reasoning backend implements.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req Request) (string, error)

// Complete implements Backend.
func (f BackendFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
