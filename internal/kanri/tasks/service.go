// Package tasks implements the task and time-tracking operations behind the
// chat strategies. Every change is written to the local store and, when a
// tracker is configured, mirrored to the external plan.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/tracker"
)

var (
	// ErrInvalidOperation marks a request that is well formed but not allowed
	// in the task's current state.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidArgument marks a request carrying an unusable value.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is a domain error whose message is safe to show to the user.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func invalidOp(format string, args ...any) error {
	return &Error{Kind: ErrInvalidOperation, Msg: fmt.Sprintf(format, args...)}
}

func invalidArg(format string, args ...any) error {
	return &Error{Kind: ErrInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// IsDomain reports whether err is a domain error and returns its message.
func IsDomain(err error) (string, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Msg, true
	}
	return "", false
}

// Tracker is the subset of the tracker client the service mirrors changes to.
type Tracker interface {
	CreateTask(ctx context.Context, nt tracker.NewTask) (*tracker.Task, error)
	UpdateTask(ctx context.Context, id string, p tracker.Patch) error
	DeleteTask(ctx context.Context, id string) error
}

// Config wires a Service.
type Config struct {
	Store *store.Store
	// Tracker is optional; without it tasks live only in the local store.
	Tracker Tracker
	PlanID  string
	Buckets tracker.Buckets
}

// Service owns task lifecycle and time tracking.
type Service struct {
	store   *store.Store
	tracker Tracker
	planID  string
	buckets tracker.Buckets
	now     func() time.Time
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	return &Service{
		store:   cfg.Store,
		tracker: cfg.Tracker,
		planID:  cfg.PlanID,
		buckets: cfg.Buckets,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns the current state of a task.
func (s *Service) Get(ctx context.Context, id int64) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// FindByName returns every task whose normalized title matches name.
func (s *Service) FindByName(ctx context.Context, name string) ([]*store.Task, error) {
	return s.store.FindTasksByName(ctx, name)
}

// FindRunning returns the tasks matching name that userID has a running
// time entry on.
func (s *Service) FindRunning(ctx context.Context, name, userID string) ([]*store.Task, error) {
	found, err := s.store.FindTasksByName(ctx, name)
	if err != nil {
		return nil, err
	}
	open, err := s.store.OpenTaskIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	var running []*store.Task
	for _, t := range found {
		if open[t.ID] {
			running = append(running, t)
		}
	}
	return running, nil
}

// NewTask describes a task to create.
type NewTask struct {
	Title       string
	Start       *time.Time
	Due         *time.Time
	AssigneeIDs []string
}

// Create adds a task to the tracker first and then to the local store, and
// assigns the given users.
func (s *Service) Create(ctx context.Context, nt NewTask) (*store.Task, error) {
	title := strings.TrimSpace(nt.Title)
	if title == "" {
		return nil, invalidArg("A task name is required.")
	}
	if nt.Start != nil && nt.Due != nil && nt.Due.Before(*nt.Start) {
		return nil, invalidArg("The due date cannot be earlier than the start date.")
	}
	if err := s.checkUsers(ctx, nt.AssigneeIDs); err != nil {
		return nil, err
	}

	t := &store.Task{
		Title:     title,
		StartDate: nt.Start,
		DueDate:   nt.Due,
		PlanID:    s.planID,
		BucketID:  s.buckets.ForPercent(0),
	}
	if s.tracker != nil {
		remote, err := s.tracker.CreateTask(ctx, tracker.NewTask{
			Title:       title,
			Start:       nt.Start,
			Due:         nt.Due,
			AssigneeIDs: nt.AssigneeIDs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create task in tracker: %w", err)
		}
		t.ExternalID = remote.ID
		if remote.PlanID != "" {
			t.PlanID = remote.PlanID
		}
		if remote.BucketID != "" {
			t.BucketID = remote.BucketID
		}
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if err := s.store.AssignUsers(ctx, t.ID, nt.AssigneeIDs); err != nil {
		return nil, err
	}
	slog.Info("task created", "task_id", t.ID, "external_id", t.ExternalID, "title", t.Title)
	return t, nil
}

// Patch is a partial task update. Nil fields are left unchanged and
// AssigneeIDs are added to the existing assignees.
type Patch struct {
	Title       *string
	Percent     *int
	Start       *time.Time
	Due         *time.Time
	AssigneeIDs []string
}

// Update merges p into the task and mirrors the change to the tracker.
func (s *Service) Update(ctx context.Context, taskID int64, p Patch) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, t, p)
}

func (s *Service) apply(ctx context.Context, t *store.Task, p Patch) (*store.Task, error) {
	if p.Title != nil {
		if title := strings.TrimSpace(*p.Title); title != "" {
			t.Title = title
		} else {
			p.Title = nil
		}
	}
	if p.Percent != nil {
		if *p.Percent < 0 || *p.Percent > 100 {
			return nil, invalidArg("Percent complete must be between 0 and 100.")
		}
		t.Percent = *p.Percent
		t.BucketID = s.buckets.ForPercent(t.Percent)
	}
	start, due := t.StartDate, t.DueDate
	if p.Start != nil {
		start = p.Start
	}
	if p.Due != nil {
		due = p.Due
	}
	if start != nil && due != nil && due.Before(*start) {
		return nil, invalidArg("The due date cannot be earlier than the start date.")
	}
	t.StartDate, t.DueDate = start, due
	if err := s.checkUsers(ctx, p.AssigneeIDs); err != nil {
		return nil, err
	}

	if s.tracker != nil && t.ExternalID != "" {
		err := s.tracker.UpdateTask(ctx, t.ExternalID, tracker.Patch{
			Title:        p.Title,
			Percent:      p.Percent,
			Start:        p.Start,
			Due:          p.Due,
			AddAssignees: p.AssigneeIDs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update task in tracker: %w", err)
		}
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	if err := s.store.AssignUsers(ctx, t.ID, p.AssigneeIDs); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a task locally and from the tracker.
func (s *Service) Delete(ctx context.Context, taskID int64) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteTask(ctx, t.ID); err != nil {
		return nil, err
	}
	if s.tracker != nil && t.ExternalID != "" {
		if err := s.tracker.DeleteTask(ctx, t.ExternalID); err != nil {
			return nil, fmt.Errorf("failed to delete task in tracker: %w", err)
		}
	}
	slog.Info("task deleted", "task_id", t.ID, "external_id", t.ExternalID)
	return t, nil
}

// AddComment stores a comment from userID on the task.
func (s *Service) AddComment(ctx context.Context, userID string, taskID int64, content string) (*store.Task, error) {
	content = strings.TrimSpace(content)
	if userID == "" || content == "" {
		return nil, invalidArg("User ID and comment content cannot be empty.")
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	c := &store.Comment{TaskID: t.ID, UserID: userID, Content: content}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, err
	}
	return t, nil
}

// Start opens a time entry for userID on the task, moves it to 50% and sets
// its start date when it has none.
func (s *Service) Start(ctx context.Context, userID string, taskID int64) (*store.Task, *store.TimeEntry, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if t.Percent == 100 {
		return nil, nil, invalidOp("Cannot start a task that is already 100%% complete.")
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, nil, err
	}
	assigned, err := s.store.IsAssigned(ctx, t.ID, userID)
	if err != nil {
		return nil, nil, err
	}
	if !assigned {
		return nil, nil, invalidOp("User is not assigned to this task and cannot start it.")
	}
	// The entry is opened before the task is touched so a concurrent start
	// for the same user fails without moving the task.
	now := s.now()
	e, err := s.store.OpenEntry(ctx, t.ID, userID, now)
	if errors.Is(err, store.ErrConflict) {
		return nil, nil, invalidOp("Task is already running for this user.")
	}
	if err != nil {
		return nil, nil, err
	}

	p := Patch{Percent: intPtr(50), AssigneeIDs: []string{userID}}
	if t.StartDate == nil {
		p.Start = &now
	}
	if t, err = s.apply(ctx, t, p); err != nil {
		if derr := s.store.DeleteEntry(ctx, e.ID); derr != nil {
			slog.Warn("failed to roll back time entry", "entry_id", e.ID, "error", derr)
		}
		return nil, nil, err
	}
	slog.Info("task started", "task_id", t.ID, "user_id", userID)
	return t, e, nil
}

// Stop closes userID's running entry on the task. When percent is nil and
// the task is still at 0% it is moved to 50%.
func (s *Service) Stop(ctx context.Context, userID string, taskID int64, percent *int) (*store.Task, *store.TimeEntry, error) {
	if userID == "" {
		return nil, nil, invalidArg("User ID cannot be empty.")
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.store.GetOpenEntry(ctx, t.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, invalidOp("No active time entry found for the specified user and task.")
	}
	if err != nil {
		return nil, nil, err
	}
	if percent == nil && t.Percent == 0 {
		percent = intPtr(50)
	}
	if percent != nil {
		if t, err = s.apply(ctx, t, Patch{Percent: percent}); err != nil {
			return nil, nil, err
		}
	}
	if err := s.store.CloseEntry(ctx, e, s.now()); err != nil {
		return nil, nil, err
	}
	slog.Info("task stopped", "task_id", t.ID, "user_id", userID, "duration", e.Duration)
	return t, e, nil
}

// TimeSpec describes a manually logged block of work. At least Hours, or
// Start together with End, must be set.
type TimeSpec struct {
	Hours   *float64
	Start   *time.Time
	End     *time.Time
	Percent *int
}

// AddTime records a finished time entry for userID on the task. Percent
// defaults to 50.
func (s *Service) AddTime(ctx context.Context, userID string, taskID int64, ts TimeSpec) (*store.Task, *store.TimeEntry, error) {
	if userID == "" {
		return nil, nil, invalidArg("User ID cannot be empty.")
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if t.Percent == 100 {
		return nil, nil, invalidOp("Cannot add time to a task that is already 100%% complete.")
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, nil, err
	}
	start, end, err := EffectiveRange(ts.Hours, ts.Start, ts.End, s.now())
	if err != nil {
		return nil, nil, err
	}
	percent := ts.Percent
	if percent == nil {
		percent = intPtr(50)
	}
	if *percent < 0 || *percent > 100 {
		return nil, nil, invalidArg("Percent complete must be between 0 and 100.")
	}

	p := Patch{Percent: percent, AssigneeIDs: []string{userID}}
	if t.StartDate == nil {
		p.Start = &start
	}
	if t, err = s.apply(ctx, t, p); err != nil {
		return nil, nil, err
	}
	e, err := s.store.AddEntry(ctx, t.ID, userID, start, end)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("time logged", "task_id", t.ID, "user_id", userID, "duration", e.Duration)
	return t, e, nil
}

// EffectiveRange derives the start and end of a logged block:
//
//	start+end+hours: end = start+hours
//	start+end:       as given
//	start+hours:     end = start+hours
//	end+hours:       start = end-hours
//	hours:           end = now, start = now-hours
//
// Anything else, or a non-positive duration, is an argument error.
func EffectiveRange(hours *float64, start, end *time.Time, now time.Time) (time.Time, time.Time, error) {
	var from, to time.Time
	switch {
	case start != nil && hours != nil:
		from, to = *start, start.Add(hoursToDuration(*hours))
	case start != nil && end != nil:
		from, to = *start, *end
	case end != nil && hours != nil:
		from, to = end.Add(-hoursToDuration(*hours)), *end
	case hours != nil:
		from, to = now.Add(-hoursToDuration(*hours)), now
	default:
		return time.Time{}, time.Time{}, invalidArg("Either time, or start time with end time must be provided.")
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, invalidArg("Duration must be greater than zero.")
	}
	return from, to, nil
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func (s *Service) requireUser(ctx context.Context, userID string) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return invalidOp("User %s not found in local database.", userID)
		}
		return err
	}
	return nil
}

func (s *Service) checkUsers(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.requireUser(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func intPtr(v int) *int { return &v }
