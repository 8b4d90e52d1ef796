package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// SessionStore keeps the thread bound to each conversation.
// *store.Store satisfies it.
type SessionStore interface {
	GetSession(ctx context.Context, conversationID string) (*store.Session, error)
	PutSession(ctx context.Context, conversationID, threadID string) error
	TouchSession(ctx context.Context, conversationID string) error
}

// Run states reported by the assistants API.
const (
	runQueued     = "queued"
	runInProgress = "in_progress"
	runCompleted  = "completed"
)

// assistantsBackend implements Backend with the assistants threads/runs API.
// Each conversation gets its own server-side thread so the model sees the
// conversation's history.
type assistantsBackend struct {
	cfg      Config
	sessions SessionStore
	client   *http.Client
}

// NewAssistants returns a Backend that talks to the assistant identified by
// cfg.AssistantID and keeps threads in sessions.
func NewAssistants(cfg Config, sessions SessionStore) (Backend, error) {
	if cfg.AssistantID == "" {
		return nil, errors.New("nlp: assistants backend requires an assistant id")
	}
	cfg.setDefaults()
	return &assistantsBackend{
		cfg:      cfg,
		sessions: sessions,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type asstThread struct {
	ID string `json:"id"`
}

type asstRun struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type asstRunList struct {
	Data []asstRun `json:"data"`
}

type asstMessage struct {
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

type asstMessageList struct {
	Data []asstMessage `json:"data"`
}

func (r asstRun) active() bool {
	return r.Status == runQueued || r.Status == runInProgress
}

// Complete posts the message to the conversation's thread, runs the
// assistant and returns its newest reply.
func (b *assistantsBackend) Complete(ctx context.Context, req Request) (string, error) {
	threadID, err := b.thread(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}
	log := slog.With("conversation", req.ConversationID, "thread", threadID)

	pollCtx, cancel := context.WithTimeout(ctx, b.cfg.PollTimeout)
	defer cancel()

	if err := b.waitIdle(pollCtx, threadID); err != nil {
		return "", fmt.Errorf("nlp: waiting for active run: %w", errors.Join(ErrNoAnswer, err))
	}

	msg := map[string]string{"role": "user", "content": UserMessage(req)}
	if err := b.call(ctx, http.MethodPost, "/threads/"+threadID+"/messages", msg, nil); err != nil {
		return "", err
	}

	var run asstRun
	if err := b.call(ctx, http.MethodPost, "/threads/"+threadID+"/runs",
		map[string]string{"assistant_id": b.cfg.AssistantID}, &run); err != nil {
		return "", err
	}

	err = retry.Poll(pollCtx, b.pollConfig(), func() (bool, error) {
		if !run.active() {
			return true, nil
		}
		if err := b.call(pollCtx, http.MethodGet, "/threads/"+threadID+"/runs/"+run.ID, nil, &run); err != nil {
			return false, err
		}
		return !run.active(), nil
	})
	if err != nil {
		log.Warn("assistant run did not finish", "run", run.ID, "status", run.Status, "err", err)
		return "", fmt.Errorf("nlp: run %s: %w", run.ID, errors.Join(ErrNoAnswer, err))
	}
	if run.Status != runCompleted {
		log.Warn("assistant run failed", "run", run.ID, "status", run.Status)
		return "", fmt.Errorf("nlp: run %s ended as %s: %w", run.ID, run.Status, ErrNoAnswer)
	}

	var msgs asstMessageList
	q := url.Values{"order": {"desc"}, "limit": {"20"}}
	if err := b.call(ctx, http.MethodGet, "/threads/"+threadID+"/messages?"+q.Encode(), nil, &msgs); err != nil {
		return "", err
	}
	for _, m := range msgs.Data {
		if m.Role != "assistant" {
			continue
		}
		for _, c := range m.Content {
			if c.Type == "text" && c.Text.Value != "" {
				return c.Text.Value, nil
			}
		}
	}
	log.Warn("no assistant message in thread")
	return "", ErrNoAnswer
}

// thread returns the thread bound to the conversation, creating one when
// none exists or the stored one was deleted upstream.
func (b *assistantsBackend) thread(ctx context.Context, conversationID string) (string, error) {
	sess, err := b.sessions.GetSession(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return b.newThread(ctx, conversationID)
	case err != nil:
		return "", fmt.Errorf("nlp: load session: %w", err)
	}

	var th asstThread
	err = b.call(ctx, http.MethodGet, "/threads/"+sess.ThreadID, nil, &th)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		slog.Info("assistant thread vanished, starting a new one", "conversation", conversationID, "thread", sess.ThreadID)
		return b.newThread(ctx, conversationID)
	}
	if err != nil {
		return "", err
	}
	if err := b.sessions.TouchSession(ctx, conversationID); err != nil {
		slog.Warn("failed to touch session", "conversation", conversationID, "err", err)
	}
	return sess.ThreadID, nil
}

func (b *assistantsBackend) newThread(ctx context.Context, conversationID string) (string, error) {
	var th asstThread
	if err := b.call(ctx, http.MethodPost, "/threads", map[string]any{}, &th); err != nil {
		return "", err
	}
	if th.ID == "" {
		return "", errors.New("nlp: thread creation returned no id")
	}
	if err := b.sessions.PutSession(ctx, conversationID, th.ID); err != nil {
		return "", fmt.Errorf("nlp: save session: %w", err)
	}
	return th.ID, nil
}

// waitIdle blocks until the thread has no queued or in-progress run.
func (b *assistantsBackend) waitIdle(ctx context.Context, threadID string) error {
	var runs asstRunList
	q := url.Values{"order": {"desc"}, "limit": {"5"}}
	if err := b.call(ctx, http.MethodGet, "/threads/"+threadID+"/runs?"+q.Encode(), nil, &runs); err != nil {
		return err
	}
	var active *asstRun
	for i := range runs.Data {
		if runs.Data[i].active() {
			active = &runs.Data[i]
			break
		}
	}
	if active == nil {
		return nil
	}
	slog.Info("thread has an active run, waiting", "thread", threadID, "run", active.ID, "status", active.Status)
	return retry.Poll(ctx, b.pollConfig(), func() (bool, error) {
		if err := b.call(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+active.ID, nil, active); err != nil {
			return false, err
		}
		return !active.active(), nil
	})
}

func (b *assistantsBackend) pollConfig() retry.Config {
	return retry.Config{InitialDelay: b.cfg.PollInitialDelay, MaxDelay: b.cfg.PollMaxDelay}
}

func (b *assistantsBackend) call(ctx context.Context, method, path string, in, out any) error {
	_, err := doJSON(ctx, b.client, method, b.cfg.BaseURL+path, b.cfg.APIKey,
		map[string]string{"OpenAI-Beta": "assistants=v2"}, in, out)
	return err
}
