package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/intent"
	"github.com/bdobrica/Kanri/internal/kanri/pending"
	"github.com/bdobrica/Kanri/internal/kanri/reports"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// Resolver replies.
const (
	MsgNoPending = "⚠️ There are no pending actions."
	MsgNoMatch   = "❌ None of the provided numbers match any tasks or users."
)

// Resolver finishes a pending disambiguation with the numbers the user
// picked.
type Resolver struct {
	s *Strategies
}

// NewResolver creates a Resolver sharing the strategies' collaborators.
func NewResolver(s *Strategies) *Resolver {
	return &Resolver{s: s}
}

// Resolve takes the sender's pending entry and applies its action to the
// selected candidates. The entry is removed before any work starts, so a
// disambiguation is resolved at most once even when the work fails.
func (r *Resolver) Resolve(ctx context.Context, req *Request) error {
	entry, ok := r.s.pending.Take(req.Sender)
	if !ok {
		return reply(ctx, req, MsgNoPending)
	}

	valid, invalid := partition(req.Parsed.Numbers, entry.Len())
	if len(valid) == 0 {
		return reply(ctx, req, MsgNoMatch)
	}
	trace.Logger(ctx).Info("resolving disambiguation",
		"kind", entry.Kind.String(), "selected", valid, "ignored", invalid)

	if err := r.apply(ctx, req, entry, valid); err != nil {
		trace.Logger(ctx).Error("pending action failed", "kind", entry.Kind.String(), "err", err)
		if serr := reply(ctx, req, "⚠ Error: "+errorText(err)); serr != nil {
			return serr
		}
	}
	if len(invalid) > 0 {
		return reply(ctx, req, ignoredNote(invalid))
	}
	return nil
}

// partition splits the distinct numbers into valid 1-based candidate
// indexes and the rest, both in first-seen order.
func partition(numbers []int, n int) (valid, invalid []int) {
	seen := make(map[int]bool, len(numbers))
	for _, k := range numbers {
		if seen[k] {
			continue
		}
		seen[k] = true
		if k >= 1 && k <= n {
			valid = append(valid, k)
		} else {
			invalid = append(invalid, k)
		}
	}
	return valid, invalid
}

func ignoredNote(invalid []int) string {
	parts := make([]string, len(invalid))
	for i, k := range invalid {
		parts[i] = strconv.Itoa(k)
	}
	return "ℹ️ Ignored: " + strings.Join(parts, ", ") + "."
}

// batch collects per-item results of a multi-task action.
type batch struct {
	done     int
	failures []string
}

func (b *batch) fail(title string, err error) {
	b.failures = append(b.failures, fmt.Sprintf("- %s (%s)", title, errorText(err)))
}

// message renders the summary. ok is printed when something succeeded, or
// always when showAlways is set; failed heads the failure list.
func (b *batch) message(ok string, showAlways bool, failed string) string {
	var lines []string
	if b.done > 0 || showAlways {
		lines = append(lines, ok)
	}
	if len(b.failures) > 0 {
		lines = append(lines, fmt.Sprintf(failed, len(b.failures)))
		lines = append(lines, b.failures...)
	}
	return strings.Join(lines, "\n")
}

// sendReports sends one report per pick. A failed pick is listed after the
// reports that could be built.
func (r *Resolver) sendReports(ctx context.Context, req *Request, e pending.Entry, picks []int) error {
	rng := reports.Range{Start: e.Params.Start, End: e.Params.End}
	var b batch
	for _, k := range picks {
		var (
			label string
			err   error
		)
		if e.Kind == intent.GetUserReport {
			u := e.Users[k-1]
			label = u.DisplayName
			err = r.s.sendUserReport(ctx, req, u.ID, rng)
		} else {
			t := e.Tasks[k-1]
			label = t.Title
			err = r.s.sendTaskReport(ctx, req, t.ID, rng)
		}
		if err != nil {
			b.fail(label, err)
		}
	}
	if len(b.failures) == 0 {
		return nil
	}
	return reply(ctx, req, b.message("", false, "⚠️ Could not build %d report(s):"))
}

func (r *Resolver) apply(ctx context.Context, req *Request, e pending.Entry, picks []int) error {
	switch e.Kind {
	case intent.GetUserReport, intent.GetTaskReport:
		return r.sendReports(ctx, req, e, picks)
	}

	selected := make([]*store.Task, 0, len(picks))
	for _, k := range picks {
		selected = append(selected, e.Tasks[k-1])
	}
	var b batch
	actor := e.UserID

	switch e.Kind {
	case intent.UpdateTaskByName:
		patch := updatePatch(e.Params)
		for _, t := range selected {
			if _, err := r.s.tasks.Update(ctx, t.ID, patch); err != nil {
				b.fail(t.Title, err)
				continue
			}
			b.done++
		}
		return reply(ctx, req, b.message(fmt.Sprintf("✏️ Updated %d task(s).", b.done), true, "⚠️ Could not update %d task(s):"))

	case intent.DeleteTaskByName:
		for _, t := range selected {
			if _, err := r.s.tasks.Delete(ctx, t.ID); err != nil {
				b.fail(t.Title, err)
				continue
			}
			b.done++
		}
		return reply(ctx, req, b.message(fmt.Sprintf("🗑️ Deleted %d task(s).", b.done), true, "⚠️ Could not delete %d task(s):"))

	case intent.CommentTaskByName:
		for _, t := range selected {
			if _, err := r.s.tasks.AddComment(ctx, actor, t.ID, e.Params.Content); err != nil {
				b.fail(t.Title, err)
				continue
			}
			b.done++
		}
		return reply(ctx, req, b.message(fmt.Sprintf("💬 Added comments to %d task(s).", b.done), true, "⚠️ Could not comment on %d task(s):"))

	case intent.StartTaskByName:
		for _, t := range selected {
			if _, _, err := r.s.tasks.Start(ctx, actor, t.ID); err != nil {
				b.fail(t.Title, err)
				continue
			}
			b.done++
		}
		return reply(ctx, req, b.message(fmt.Sprintf("▶️ Successfully started %d task(s).", b.done), false, "⚠️ Could not start %d task(s):"))

	case intent.StopTaskByName:
		for _, t := range selected {
			if _, _, err := r.s.tasks.Stop(ctx, actor, t.ID, e.Params.Percent); err != nil {
				b.fail(t.Title, err)
				continue
			}
			b.done++
		}
		return reply(ctx, req, b.message(fmt.Sprintf("⏹️ Stopped %d task(s).", b.done), true, "⚠️ Could not stop %d task(s):"))

	case intent.AddTimeToTaskByName:
		targets := e.Params.TargetIDs
		if len(targets) == 0 {
			targets = []string{actor}
		}
		spec := timeSpec(e.Params)
		for _, t := range selected {
			ok := true
			for _, uid := range targets {
				if _, _, err := r.s.tasks.AddTime(ctx, uid, t.ID, spec); err != nil {
					b.fail(t.Title+" / "+uid, err)
					ok = false
				}
			}
			if ok {
				b.done++
			}
		}
		summary := fmt.Sprintf("⏱️ Logged time to %d task(s) for %d user(s).", b.done, len(targets))
		return reply(ctx, req, b.message(summary, true, "⚠️ Could not log time in %d case(s):"))
	}

	return fmt.Errorf("no follow-up action for %s", e.Kind)
}
