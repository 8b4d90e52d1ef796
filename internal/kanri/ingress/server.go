// Package ingress accepts chat messages over HTTP from relays that cannot
// speak Matrix.
//
//	POST /api/messages
//
// The body is a JSON Message. When a shared secret is configured the
// X-Kanri-Signature header must carry "sha256=" followed by the hex
// HMAC-SHA256 of the raw body. Every reply produced while handling the
// message is returned in the response body, in order.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
)

// Source is the dedup source name for HTTP deliveries.
const Source = "http"

// DefaultRateLimit is the number of messages a sender may post per minute
// when no limit is configured.
const DefaultRateLimit = 30

// SignatureHeader carries the body HMAC.
const SignatureHeader = "X-Kanri-Signature"

const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// Message is one inbound chat message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Text           string `json:"text"`
}

func (m Message) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"id", m.ID},
		{"conversation_id", m.ConversationID},
		{"sender", m.Sender},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Choice is one numbered option in a reply.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Reply is one message sent back to the conversation.
type Reply struct {
	Text    string   `json:"text"`
	Choices []Choice `json:"choices,omitempty"`
}

// Response is the body of a successful delivery.
type Response struct {
	Duplicate bool    `json:"duplicate,omitempty"`
	Replies   []Reply `json:"replies"`
}

// ProcessFunc handles one message. It returns false when the message was
// already processed.
type ProcessFunc func(ctx context.Context, msg Message, reply actions.Replier) (bool, error)

// Config holds options for creating a Server.
type Config struct {
	// Secret enables HMAC authentication. Empty disables it.
	Secret []byte
	// RateLimit is the number of messages per sender per minute. Defaults to
	// DefaultRateLimit when zero or negative.
	RateLimit int
}

// Server is the HTTP message endpoint.
type Server struct {
	process ProcessFunc
	secret  []byte
	limiter *RateLimiter
}

// New creates a Server that hands messages to process.
func New(process ProcessFunc, cfg Config) *Server {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &Server{
		process: process,
		secret:  cfg.Secret,
		limiter: NewRateLimiter(limit, time.Minute),
	}
}

// Limiter exposes the per-sender limiter so expired windows can be pruned.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// RouteRegistrar is satisfied by *http.ServeMux.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterRoutes mounts the endpoint.
func (s *Server) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/api/messages", http.HandlerFunc(s.handleMessage))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		slog.Warn("ingress: failed to read request body", "err", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if len(s.secret) > 0 {
		if err := s.validateHMAC(r.Header.Get(SignatureHeader), body); err != nil {
			slog.Info("ingress: signature check failed", "remote", r.RemoteAddr, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := msg.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow(msg.Sender) {
		slog.Info("ingress: rate limit exceeded", "sender", msg.Sender)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	buf := &bufferReplier{}
	fresh, err := s.process(r.Context(), msg, buf)
	if err != nil {
		slog.Error("ingress: message processing failed", "id", msg.ID, "sender", msg.Sender, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, Response{Duplicate: !fresh, Replies: buf.replies()})
}

func (s *Server) validateHMAC(header string, body []byte) error {
	if header == "" {
		return errors.New("missing " + SignatureHeader + " header")
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("%s must start with %q", SignatureHeader, prefix)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return fmt.Errorf("invalid hex in %s: %w", SignatureHeader, err)
	}
	if !hmac.Equal(Sign(s.secret, body), provided) {
		return errors.New("HMAC signature mismatch")
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("ingress: failed to encode response", "err", err)
	}
}

// bufferReplier collects replies for the HTTP response.
type bufferReplier struct {
	mu  sync.Mutex
	out []Reply
}

func (b *bufferReplier) SendText(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, Reply{Text: text})
	return nil
}

func (b *bufferReplier) SendChoices(_ context.Context, prompt string, choices []actions.Choice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := Reply{Text: prompt, Choices: make([]Choice, len(choices))}
	for i, c := range choices {
		r.Choices[i] = Choice{ID: c.ID, Label: c.Label}
	}
	b.out = append(b.out, r)
	return nil
}

func (b *bufferReplier) replies() []Reply {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.out == nil {
		return []Reply{}
	}
	return b.out
}
