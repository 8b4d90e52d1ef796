package actions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/intent"
	"github.com/bdobrica/Kanri/internal/kanri/pending"
	"github.com/bdobrica/Kanri/internal/kanri/reports"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/tasks"
)

// Strategy replies.
const (
	MsgGreeting         = intent.GreetingReply
	MsgNameRequired     = "❓ I didn't understand your message. A task name is required."
	MsgCommentRequired  = "❓ I didn't understand your message. Task name or comment is missing."
	MsgTimeRequired     = "❓ I didn't understand your message. A task name and time are required."
	MsgDueBeforeStart   = "❓ The due date cannot be earlier than the start date."
	msgTaskNotFound     = "⚠️ No task found with given name: '%s'."
	msgActiveNotFound   = "⚠️ No active task found with given name: '%s'."
	msgUserNotFound     = "⚠️ No user found with given name: '%s'."
	msgSeveralTasks     = "🔎 Found several tasks with the name '%s'. Please specify which one to %s:"
	msgSeveralUsers     = "🔎 Found several users with the name '%s'. Please specify which one to report on:"
	msgUnknown          = "❓ I didn't understand your message: %s"
	msgCannotStart      = "⚠️ Cannot start task: %s"
	msgTaskAdded        = "✅ Task '%s' was added."
	msgTaskUpdated      = "✏️ Task '%s' was updated."
	msgTaskDeleted      = "🗑️ Task '%s' was deleted."
	msgCommentAdded     = "💬 Added comment to task '%s'."
	msgTaskStarted      = "▶️ Started task '%s'."
	msgTaskStopped      = "⏹️ Stopped task '%s'"
	msgTimeLogged       = "⏱️ Logged %sh to task '%s' for %d user(s)."
	msgCouldNotLogUsers = "⚠️ Could not log time for %d user(s):"
)

// UserLookup finds directory users in the local store.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	FindUsersByName(ctx context.Context, name string) ([]*store.User, error)
}

// Config wires the strategies and the resolver.
type Config struct {
	Tasks   *tasks.Service
	Reports *reports.Service
	Users   UserLookup
	Pending *pending.Store
}

// Strategies implements one handler per action kind.
type Strategies struct {
	tasks   *tasks.Service
	reports *reports.Service
	users   UserLookup
	pending *pending.Store
}

// NewStrategies creates the strategy set.
func NewStrategies(cfg Config) *Strategies {
	return &Strategies{tasks: cfg.Tasks, reports: cfg.Reports, users: cfg.Users, pending: cfg.Pending}
}

// Register installs every strategy, and the numeric follow-up resolver,
// on d.
func (s *Strategies) Register(d *Dispatcher) {
	d.Register(intent.AddTask, s.addTask)
	d.Register(intent.UpdateTaskByName, s.updateTask)
	d.Register(intent.DeleteTaskByName, s.deleteTask)
	d.Register(intent.CommentTaskByName, s.commentTask)
	d.Register(intent.StartTaskByName, s.startTask)
	d.Register(intent.StopTaskByName, s.stopTask)
	d.Register(intent.AddTimeToTaskByName, s.addTime)
	d.Register(intent.GetUserReport, s.userReport)
	d.Register(intent.GetTaskReport, s.taskReport)
	d.Register(intent.GetOverallReport, s.overallReport)
	d.Register(intent.Smalltalk, s.smalltalk)
	d.Register(intent.Unknown, s.unknown)
	d.Register(intent.ParsedNumbers, NewResolver(s).Resolve)
}

func reply(ctx context.Context, req *Request, text string) error {
	return req.Reply.SendText(ctx, text)
}

func replyf(ctx context.Context, req *Request, format string, args ...any) error {
	return req.Reply.SendText(ctx, fmt.Sprintf(format, args...))
}

// candidates runs the shared zero/one/many resolution over found. With
// several candidates the ordered list and params are stored as the sender's
// pending entry and the user is asked to pick.
func (s *Strategies) candidates(ctx context.Context, req *Request, found []*store.Task, notFound, verb string, params pending.Params, one func(*store.Task) error) error {
	name := req.Parsed.TaskName
	switch len(found) {
	case 0:
		return replyf(ctx, req, notFound, name)
	case 1:
		return one(found[0])
	}

	if err := s.pending.Put(pending.Entry{
		UserID: req.Sender,
		Kind:   req.Parsed.Kind,
		Tasks:  found,
		Params: params,
	}); err != nil {
		return err
	}
	trace.Logger(ctx).Info("disambiguation requested", "kind", req.Parsed.Kind.String(), "candidates", len(found))

	choices := make([]Choice, len(found))
	for i, t := range found {
		choices[i] = Choice{ID: strconv.Itoa(i + 1), Label: taskLabel(t)}
	}
	return req.Reply.SendChoices(ctx, fmt.Sprintf(msgSeveralTasks, name, verb), choices)
}

// taskLabel names a candidate by its tracker id, or the local id for a task
// that was never pushed.
func taskLabel(t *store.Task) string {
	id := t.ExternalID
	if id == "" {
		id = strconv.FormatInt(t.ID, 10)
	}
	return fmt.Sprintf("%s (ID: %s)", t.Title, id)
}

func (s *Strategies) addTask(ctx context.Context, req *Request) error {
	p := req.Parsed
	if strings.TrimSpace(p.TaskName) == "" {
		return reply(ctx, req, MsgNameRequired)
	}
	assignees := intent.ResolveTargets(p.Targets, req.Sender)
	if len(assignees) == 0 {
		assignees = []string{req.Sender}
	}
	t, err := s.tasks.Create(ctx, tasks.NewTask{
		Title:       p.TaskName,
		Start:       p.Start,
		Due:         p.End,
		AssigneeIDs: assignees,
	})
	if err != nil {
		return err
	}
	return replyf(ctx, req, msgTaskAdded, t.Title)
}

func updatePatch(params pending.Params) tasks.Patch {
	p := tasks.Patch{
		Percent:     params.Percent,
		Start:       params.Start,
		Due:         params.End,
		AssigneeIDs: params.TargetIDs,
	}
	if params.NewName != "" {
		name := params.NewName
		p.Title = &name
	}
	return p
}

func (s *Strategies) updateTask(ctx context.Context, req *Request) error {
	p := req.Parsed
	if strings.TrimSpace(p.TaskName) == "" {
		return reply(ctx, req, MsgNameRequired)
	}
	if p.Start != nil && p.End != nil && p.End.Before(*p.Start) {
		return reply(ctx, req, MsgDueBeforeStart)
	}
	params := pending.Params{
		NewName:   p.NewName,
		Percent:   p.Percent,
		Start:     p.Start,
		End:       p.End,
		TargetIDs: intent.ResolveTargets(p.Targets, req.Sender),
	}
	found, err := s.tasks.FindByName(ctx, p.TaskName)
	if err != nil {
		return err
	}
	return s.candidates(ctx, req, found, msgTaskNotFound, "update", params, func(t *store.Task) error {
		updated, err := s.tasks.Update(ctx, t.ID, updatePatch(params))
		if err != nil {
			return err
		}
		return replyf(ctx, req, msgTaskUpdated, updated.Title)
	})
}

func (s *Strategies) deleteTask(ctx context.Context, req *Request) error {
	p := req.Parsed
	if strings.TrimSpace(p.TaskName) == "" {
		return reply(ctx, req, MsgNameRequired)
	}
	found, err := s.tasks.FindByName(ctx, p.TaskName)
	if err != nil {
		return err
	}
	return s.candidates(ctx, req, found, msgTaskNotFound, "delete", pending.Params{}, func(t *store.Task) error {
		deleted, err := s.tasks.Delete(ctx, t.ID)
		if err != nil {
			return err
		}
		return replyf(ctx, req, msgTaskDeleted, deleted.Title)
	})
}

func (s *Strategies) commentTask(ctx context.Context, req *Request) error {
	p := req.Parsed
	if strings.TrimSpace(p.TaskName) == "" || strings.TrimSpace(p.Content) == "" {
		return reply(ctx, req, MsgCommentRequired)
	}
	found, err := s.tasks.FindByName(ctx, p.TaskName)
	if err != nil {
		return err
	}
	params := pending.Params{Content: p.Content}
	return s.candidates(ctx, req, found, msgTaskNotFound, "comment on", params, func(t *store.Task) error {
		commented, err := s.tasks.AddComment(ctx, req.Sender, t.ID, p.Content)
		if err != nil {
			return err
		}
		return replyf(ctx, req, msgCommentAdded, commented.Title)
	})
}

func (s *Strategies) startTask(ctx context.Context, req *Request) error {
	p := req.Parsed
	if strings.TrimSpace(p.TaskName) == "" {
		return reply(ctx, req, MsgNameRequired)
	}
	found, err := s.tasks.FindByName(ctx, p.TaskName)
	if err != nil {
		return err
	}
	return s.candidates(ctx, req, found, msgTaskNotFound, "start", pending.Params{}, func(t *store.Task) error {
		started, _, err := s.tasks.Start(ctx, req.Sender, t.ID)
		if msg, ok := tasks.IsDomain(err); ok {
			trace.Logger(ctx).Warn("start rejected", "task_id", t.ID, "err", err)
			return replyf(ctx, req, msgCannotStart, msg)
		}
		if err != nil {
			return err
		}
		return replyf(ctx, req, msgTaskStarted, started.Title)
	})
}

func (s *Strategies) stopTask(ctx context.Context, req *Request) error {
	p := req.Parsed
	if strings.TrimSpace(p.TaskName) == "" {
		return reply(ctx, req, MsgNameRequired)
	}
	running, err := s.tasks.FindRunning(ctx, p.TaskName, req.Sender)
	if err != nil {
		return err
	}
	params := pending.Params{Percent: p.Percent}
	return s.candidates(ctx, req, running, msgActiveNotFound, "stop", params, func(t *store.Task) error {
		stopped, _, err := s.tasks.Stop(ctx, req.Sender, t.ID, p.Percent)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf(msgTaskStopped, stopped.Title)
		if p.Percent != nil {
			msg += fmt.Sprintf(" %d%%", *p.Percent)
		}
		return reply(ctx, req, msg)
	})
}

func (s *Strategies) addTime(ctx context.Context, req *Request) error {
	p := req.Parsed
	hasTime := p.Hours != nil || (p.Start != nil && p.End != nil)
	if strings.TrimSpace(p.TaskName) == "" || !hasTime {
		return reply(ctx, req, MsgTimeRequired)
	}
	params := pending.Params{
		Percent:   p.Percent,
		Hours:     p.Hours,
		Start:     p.Start,
		End:       p.End,
		TargetIDs: intent.ResolveTargets(p.Targets, req.Sender),
	}
	found, err := s.tasks.FindByName(ctx, p.TaskName)
	if err != nil {
		return err
	}
	return s.candidates(ctx, req, found, msgTaskNotFound, "log time to", params, func(t *store.Task) error {
		targets := params.TargetIDs
		if len(targets) == 0 {
			targets = []string{req.Sender}
		}
		spec := timeSpec(params)

		var (
			logged   int
			hours    float64
			title    = t.Title
			failures []string
			firstErr error
		)
		for _, uid := range targets {
			updated, e, err := s.tasks.AddTime(ctx, uid, t.ID, spec)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				failures = append(failures, fmt.Sprintf("- %s (%s)", uid, errorText(err)))
				continue
			}
			logged++
			hours = e.Duration.Hours()
			title = updated.Title
		}
		if logged == 0 {
			return firstErr
		}
		lines := []string{fmt.Sprintf(msgTimeLogged, formatHours(hours), title, logged)}
		if len(failures) > 0 {
			lines = append(lines, fmt.Sprintf(msgCouldNotLogUsers, len(failures)))
			lines = append(lines, failures...)
		}
		return reply(ctx, req, strings.Join(lines, "\n"))
	})
}

func timeSpec(params pending.Params) tasks.TimeSpec {
	return tasks.TimeSpec{Hours: params.Hours, Start: params.Start, End: params.End, Percent: params.Percent}
}

// formatHours renders h with at most two decimals, trimming trailing zeros.
func formatHours(h float64) string {
	return strconv.FormatFloat(math.Round(h*100)/100, 'f', -1, 64)
}

func (s *Strategies) userReport(ctx context.Context, req *Request) error {
	p := req.Parsed
	rng := reports.Range{Start: p.Start, End: p.End}
	targets := p.Targets
	if len(targets) == 0 {
		targets = []intent.TargetUser{{Self: true}}
	}

	seen := map[string]bool{}
	for _, target := range targets {
		ref := target.Resolve(req.Sender)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true

		if target.Self {
			if err := s.sendUserReport(ctx, req, ref, rng); err != nil {
				return err
			}
			continue
		}
		if _, err := s.users.GetUser(ctx, ref); err == nil {
			if err := s.sendUserReport(ctx, req, ref, rng); err != nil {
				return err
			}
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		// Not an id; try it as a display name.
		users, err := s.users.FindUsersByName(ctx, ref)
		if err != nil {
			return err
		}
		switch len(users) {
		case 0:
			if err := replyf(ctx, req, msgUserNotFound, ref); err != nil {
				return err
			}
		case 1:
			if err := s.sendUserReport(ctx, req, users[0].ID, rng); err != nil {
				return err
			}
		default:
			// Only one disambiguation can be pending, so stop here.
			return s.askUser(ctx, req, ref, users, pending.Params{Start: p.Start, End: p.End})
		}
	}
	return nil
}

func (s *Strategies) askUser(ctx context.Context, req *Request, name string, users []*store.User, params pending.Params) error {
	if err := s.pending.Put(pending.Entry{
		UserID: req.Sender,
		Kind:   intent.GetUserReport,
		Users:  users,
		Params: params,
	}); err != nil {
		return err
	}
	choices := make([]Choice, len(users))
	for i, u := range users {
		choices[i] = Choice{ID: strconv.Itoa(i + 1), Label: fmt.Sprintf("%s (%s)", u.DisplayName, u.ID)}
	}
	return req.Reply.SendChoices(ctx, fmt.Sprintf(msgSeveralUsers, name), choices)
}

func (s *Strategies) sendUserReport(ctx context.Context, req *Request, userID string, rng reports.Range) error {
	rep, err := s.reports.User(ctx, userID, rng)
	if err != nil {
		return err
	}
	return reply(ctx, req, rep.Message())
}

func (s *Strategies) sendTaskReport(ctx context.Context, req *Request, taskID int64, rng reports.Range) error {
	rep, err := s.reports.Task(ctx, taskID, rng)
	if err != nil {
		return err
	}
	return reply(ctx, req, rep.Message())
}

func (s *Strategies) taskReport(ctx context.Context, req *Request) error {
	p := req.Parsed
	if strings.TrimSpace(p.TaskName) == "" {
		return reply(ctx, req, MsgNameRequired)
	}
	found, err := s.tasks.FindByName(ctx, p.TaskName)
	if err != nil {
		return err
	}
	params := pending.Params{Start: p.Start, End: p.End}
	return s.candidates(ctx, req, found, msgTaskNotFound, "report on", params, func(t *store.Task) error {
		return s.sendTaskReport(ctx, req, t.ID, reports.Range{Start: p.Start, End: p.End})
	})
}

func (s *Strategies) overallReport(ctx context.Context, req *Request) error {
	rep, err := s.reports.Overall(ctx, reports.Range{Start: req.Parsed.Start, End: req.Parsed.End})
	if err != nil {
		return err
	}
	return reply(ctx, req, rep.Message())
}

func (s *Strategies) smalltalk(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(req.Parsed.Reply)
	if text == "" {
		text = MsgGreeting
	}
	return reply(ctx, req, text)
}

func (s *Strategies) unknown(ctx context.Context, req *Request) error {
	text := req.Parsed.Content
	if text == "" {
		text = req.Text
	}
	return replyf(ctx, req, msgUnknown, text)
}

// errorText is the user-facing description of a per-item failure.
func errorText(err error) string {
	if msg, ok := tasks.IsDomain(err); ok {
		return msg
	}
	if errors.Is(err, store.ErrNotFound) {
		return "no longer exists"
	}
	return err.Error()
}
