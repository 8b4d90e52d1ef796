// Package actions routes parsed intents to the strategy that carries them
// out. The Dispatcher enforces role policy in one place, the strategies run
// the shared zero/one/many lookup, and the Resolver finishes a pending
// disambiguation once the user answers with numbers.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/authz"
	"github.com/bdobrica/Kanri/internal/kanri/intent"
	"github.com/bdobrica/Kanri/internal/kanri/metrics"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/tasks"
)

// Choice is one numbered option offered to the user.
type Choice struct {
	ID    string
	Label string
}

// Replier sends messages back into the conversation a request came from.
type Replier interface {
	SendText(ctx context.Context, text string) error
	SendChoices(ctx context.Context, prompt string, choices []Choice) error
}

// Request is one parsed message to act on.
type Request struct {
	Parsed intent.Parsed
	// Text is the raw message.
	Text string
	// Sender is the directory user id of the author.
	Sender       string
	Conversation string
	Reply        Replier
}

// Handler carries out one kind of action. Returned errors are turned into
// replies by the Dispatcher.
type Handler func(ctx context.Context, req *Request) error

// RoleResolver looks up the roles a user holds.
type RoleResolver interface {
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// AuditWriter records dispatch outcomes.
type AuditWriter interface {
	WriteAudit(ctx context.Context, traceID, actor, action, target, result string, payload store.AuditPayload, errorMsg string) error
}

// Outcome is how a dispatch ended.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeDenied      Outcome = "denied"
	OutcomeUnhandled   Outcome = "unhandled"
	OutcomeDomainError Outcome = "domain_error"
	OutcomeFailed      Outcome = "failed"
)

// Dispatcher replies.
const (
	MsgNoHandler = "⚠️ I don't know how to handle this request. The command is invalid or not yet implemented."
	MsgFailed    = "❌ Something went wrong while handling your request. Please try again later."
	MsgGone      = "⚠️ The requested item no longer exists."
)

// DeniedMessage is the reply for a request the sender may not make.
func DeniedMessage(kind intent.Kind) string {
	return fmt.Sprintf("❌ **Access denied.** You don't have permission to perform this action: %s.", kind)
}

// DispatcherConfig wires a Dispatcher. Audit and Metrics are optional.
type DispatcherConfig struct {
	Policy  *authz.Policy
	Roles   RoleResolver
	Audit   AuditWriter
	Metrics *metrics.Metrics
}

// Dispatcher routes requests to registered handlers.
type Dispatcher struct {
	policy   *authz.Policy
	roles    RoleResolver
	audit    AuditWriter
	metrics  *metrics.Metrics
	handlers map[intent.Kind]Handler
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Policy == nil {
		cfg.Policy = authz.DefaultPolicy()
	}
	return &Dispatcher{
		policy:   cfg.Policy,
		roles:    cfg.Roles,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		handlers: make(map[intent.Kind]Handler),
	}
}

// Register sets the handler for kind, replacing any previous one.
func (d *Dispatcher) Register(kind intent.Kind, h Handler) {
	d.handlers[kind] = h
}

// Dispatch authorizes and runs req. Every path sends at least one reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) Outcome {
	kind := req.Parsed.Kind
	log := trace.Logger(ctx).With("kind", kind.String(), "sender", req.Sender)

	roles := d.senderRoles(ctx, req.Sender)
	if !d.policy.HasPermission(roles, kind) {
		log.Info("action denied", "roles", roles)
		d.reply(ctx, req, DeniedMessage(kind))
		return d.finish(ctx, req, OutcomeDenied, nil)
	}

	h, ok := d.handlers[kind]
	if !ok {
		log.Warn("no handler registered")
		d.reply(ctx, req, MsgNoHandler)
		return d.finish(ctx, req, OutcomeUnhandled, nil)
	}

	err := h(ctx, req)
	switch {
	case err == nil:
		return d.finish(ctx, req, OutcomeOK, nil)
	case isDomain(err):
		msg, _ := tasks.IsDomain(err)
		log.Warn("action rejected", "err", err)
		d.reply(ctx, req, "⚠️ "+msg)
		return d.finish(ctx, req, OutcomeDomainError, err)
	case errors.Is(err, store.ErrNotFound):
		log.Warn("action target vanished", "err", err)
		d.reply(ctx, req, MsgGone)
		return d.finish(ctx, req, OutcomeDomainError, err)
	default:
		log.Error("action failed", "err", err)
		d.reply(ctx, req, MsgFailed)
		return d.finish(ctx, req, OutcomeFailed, err)
	}
}

func isDomain(err error) bool {
	_, ok := tasks.IsDomain(err)
	return ok
}

// senderRoles returns the sender's roles. A failed lookup yields none.
func (d *Dispatcher) senderRoles(ctx context.Context, sender string) []string {
	if d.roles == nil || sender == "" {
		return nil
	}
	roles, err := d.roles.UserRoles(ctx, sender)
	if err != nil {
		trace.Logger(ctx).Warn("role lookup failed", "sender", sender, "err", err)
		return nil
	}
	return roles
}

func (d *Dispatcher) reply(ctx context.Context, req *Request, text string) {
	if err := req.Reply.SendText(ctx, text); err != nil {
		trace.Logger(ctx).Error("failed to send reply", "err", err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, req *Request, outcome Outcome, err error) Outcome {
	kind := req.Parsed.Kind.String()
	d.metrics.Dispatch(kind, string(outcome))
	if d.audit == nil {
		return outcome
	}

	payload := store.AuditPayload{"conversation": req.Conversation}
	if p := req.Parsed; p.TaskName != "" {
		payload["task_name"] = p.TaskName
	}
	if len(req.Parsed.Numbers) > 0 {
		payload["numbers"] = req.Parsed.Numbers
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if aerr := d.audit.WriteAudit(ctx, trace.FromContext(ctx), req.Sender, kind, req.Parsed.TaskName,
		string(outcome), payload, errMsg); aerr != nil {
		slog.Warn("failed to write audit entry", "err", aerr)
	}
	return outcome
}
