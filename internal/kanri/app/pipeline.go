package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/intent"
	"github.com/bdobrica/Kanri/internal/kanri/metrics"
	"github.com/bdobrica/Kanri/internal/kanri/pending"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// Inbound is one chat message from any transport.
type Inbound struct {
	Source       string
	ID           string
	Conversation string
	// Sender is the transport handle, e.g. a Matrix user id.
	Sender string
	Text   string
}

// pipelineStore is what the pipeline needs from the repository.
type pipelineStore interface {
	MarkProcessed(ctx context.Context, source, messageID string) (bool, error)
	GetUserByHandle(ctx context.Context, handle string) (*store.User, error)
}

// PipelineConfig wires a Pipeline. Metrics is optional; Location defaults
// to UTC and MaxConcurrent to 8.
type PipelineConfig struct {
	Store         pipelineStore
	Parser        intent.Parser
	Dispatcher    *actions.Dispatcher
	Pending       *pending.Store
	Metrics       *metrics.Metrics
	Location      *time.Location
	MaxConcurrent int64
}

// Pipeline takes a message from dedup through parsing to dispatch.
type Pipeline struct {
	store      pipelineStore
	parser     intent.Parser
	dispatcher *actions.Dispatcher
	pending    *pending.Store
	metrics    *metrics.Metrics
	loc        *time.Location
	sem        *semaphore.Weighted
	now        func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Pipeline{
		store:      cfg.Store,
		parser:     cfg.Parser,
		dispatcher: cfg.Dispatcher,
		pending:    cfg.Pending,
		metrics:    cfg.Metrics,
		loc:        cfg.Location,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		now:        time.Now,
	}
}

// Handle processes msg and sends every reply through reply. It returns
// false when the message was already processed. Errors are returned only
// when the message could not be handled at all.
func (p *Pipeline) Handle(ctx context.Context, msg Inbound, reply actions.Replier) (bool, error) {
	ctx = trace.Ensure(ctx)
	log := trace.Logger(ctx).With("source", msg.Source, "message_id", msg.ID)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.sem.Release(1)

	fresh, err := p.store.MarkProcessed(ctx, msg.Source, msg.ID)
	if err != nil {
		p.metrics.Message(msg.Source, "error")
		return false, err
	}
	if !fresh {
		log.Info("duplicate message ignored")
		p.metrics.Message(msg.Source, "duplicate")
		return false, nil
	}
	if strings.TrimSpace(msg.Text) == "" {
		p.metrics.Message(msg.Source, "empty")
		return true, nil
	}

	sender, err := p.resolveSender(ctx, msg.Sender)
	if err != nil {
		p.metrics.Message(msg.Source, "error")
		return true, err
	}
	log = log.With("sender", sender)

	parsed := p.parse(ctx, msg.Conversation, sender, msg.Text)
	log.Debug("message parsed", "kind", parsed.Kind.String())

	outcome := p.dispatcher.Dispatch(ctx, &actions.Request{
		Parsed:       parsed,
		Text:         msg.Text,
		Sender:       sender,
		Conversation: msg.Conversation,
		Reply:        reply,
	})
	p.metrics.Message(msg.Source, string(outcome))
	return true, nil
}

// parse reads a pending selection loosely and everything else through the
// intent parser.
func (p *Pipeline) parse(ctx context.Context, conversation, sender, text string) intent.Parsed {
	if p.pending != nil && p.pending.Has(sender) {
		if nums, ok := intent.LooseSelection(text); ok {
			return intent.Parsed{Kind: intent.ParsedNumbers, Numbers: nums}
		}
	}
	start := time.Now()
	parsed := p.parser.Parse(ctx, conversation, text, p.now().In(p.loc))
	p.metrics.ObserveParse(parsed.Kind.String(), time.Since(start))
	return parsed
}

// resolveSender maps a transport handle to a directory user id. Unknown
// handles are used as ids verbatim.
func (p *Pipeline) resolveSender(ctx context.Context, handle string) (string, error) {
	u, err := p.store.GetUserByHandle(ctx, handle)
	if err == nil {
		return u.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("resolve sender %s: %w", handle, err)
	}
	return handle, nil
}
