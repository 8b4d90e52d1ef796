package tasks_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/tasks"
	"github.com/bdobrica/Kanri/internal/kanri/tracker"
)

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeTracker struct {
	created []tracker.NewTask
	patches map[string][]tracker.Patch
	deleted []string
	fail    error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{patches: map[string][]tracker.Patch{}}
}

func (f *fakeTracker) CreateTask(_ context.Context, nt tracker.NewTask) (*tracker.Task, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.created = append(f.created, nt)
	return &tracker.Task{ID: "remote-1", PlanID: "plan", BucketID: "todo", Title: nt.Title}, nil
}

func (f *fakeTracker) UpdateTask(_ context.Context, id string, p tracker.Patch) error {
	if f.fail != nil {
		return f.fail
	}
	f.patches[id] = append(f.patches[id], p)
	return nil
}

func (f *fakeTracker) DeleteTask(_ context.Context, id string) error {
	if f.fail != nil {
		return f.fail
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fixture struct {
	store   *store.Store
	tracker *fakeTracker
	svc     *tasks.Service
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kanri-tasks-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()
	st, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fx := &fixture{store: st, tracker: newFakeTracker(), clock: now}
	fx.svc = tasks.NewService(tasks.Config{
		Store:   st,
		Tracker: fx.tracker,
		PlanID:  "plan",
		Buckets: tracker.Buckets{NotStarted: "todo", Started: "doing", Finished: "done"},
	})
	fx.svc.SetClock(func() time.Time { return fx.clock })

	for _, u := range []string{"alice", "bob"} {
		if err := st.UpsertUser(context.Background(), &store.User{ID: u, DisplayName: u}); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}
	return fx
}

func (fx *fixture) create(t *testing.T, title string, assignees ...string) *store.Task {
	t.Helper()
	task, err := fx.svc.Create(context.Background(), tasks.NewTask{Title: title, AssigneeIDs: assignees})
	if err != nil {
		t.Fatalf("Create(%s): %v", title, err)
	}
	return task
}

func isKind(err, kind error) bool {
	return errors.Is(err, kind)
}

func ptr[T any](v T) *T { return &v }

func TestCreate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	task := fx.create(t, "  Write docs ", "alice")
	if task.Title != "Write docs" || task.ExternalID != "remote-1" || task.BucketID != "todo" {
		t.Errorf("unexpected task: %+v", task)
	}
	if len(fx.tracker.created) != 1 {
		t.Fatalf("tracker creates: got %d, want 1", len(fx.tracker.created))
	}
	ids, err := fx.store.AssignedUserIDs(ctx, task.ID)
	if err != nil {
		t.Fatalf("AssignedUserIDs: %v", err)
	}
	if diff := cmp.Diff([]string{"alice"}, ids); diff != "" {
		t.Errorf("assignees mismatch (-want +got):\n%s", diff)
	}

	found, err := fx.svc.FindByName(ctx, "write DOCS")
	if err != nil || len(found) != 1 {
		t.Errorf("FindByName: got %d tasks, err %v", len(found), err)
	}
}

func TestCreate_Rejects(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.Create(ctx, tasks.NewTask{Title: "  "}); !isKind(err, tasks.ErrInvalidArgument) {
		t.Errorf("blank title: got %v", err)
	}
	start := now
	due := now.Add(-time.Hour)
	if _, err := fx.svc.Create(ctx, tasks.NewTask{Title: "x", Start: &start, Due: &due}); !isKind(err, tasks.ErrInvalidArgument) {
		t.Errorf("due before start: got %v", err)
	}
	if _, err := fx.svc.Create(ctx, tasks.NewTask{Title: "x", AssigneeIDs: []string{"ghost"}}); !isKind(err, tasks.ErrInvalidOperation) {
		t.Errorf("unknown assignee: got %v", err)
	}
	if len(fx.tracker.created) != 0 {
		t.Errorf("tracker should not be called for rejected creates")
	}

	fx.tracker.fail = errors.New("boom")
	if _, err := fx.svc.Create(ctx, tasks.NewTask{Title: "x"}); err == nil {
		t.Fatal("expected tracker failure")
	}
	if n, _ := fx.store.TaskCount(ctx); n != 0 {
		t.Errorf("task count after tracker failure: got %d, want 0", n)
	}
}

func TestCreate_WithoutTracker(t *testing.T) {
	fx := newFixture(t)
	svc := tasks.NewService(tasks.Config{Store: fx.store})
	task, err := svc.Create(context.Background(), tasks.NewTask{Title: "Local"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ExternalID != "" {
		t.Errorf("ExternalID: got %q, want empty", task.ExternalID)
	}
}

func TestUpdate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha", "alice")

	due := now.Add(48 * time.Hour)
	got, err := fx.svc.Update(ctx, task.ID, tasks.Patch{
		Title:       ptr("Beta"),
		Percent:     ptr(100),
		Due:         &due,
		AssigneeIDs: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Title != "Beta" || got.Percent != 100 || got.BucketID != "done" {
		t.Errorf("unexpected task: %+v", got)
	}
	ids, _ := fx.store.AssignedUserIDs(ctx, task.ID)
	if diff := cmp.Diff([]string{"alice", "bob"}, ids); diff != "" {
		t.Errorf("assignees mismatch (-want +got):\n%s", diff)
	}
	patches := fx.tracker.patches["remote-1"]
	if len(patches) != 1 || *patches[0].Title != "Beta" || *patches[0].Percent != 100 {
		t.Errorf("unexpected tracker patches: %+v", patches)
	}

	// A start after the stored due date is rejected.
	start := due.Add(time.Hour)
	if _, err := fx.svc.Update(ctx, task.ID, tasks.Patch{Start: &start}); !isKind(err, tasks.ErrInvalidArgument) {
		t.Errorf("start after due: got %v", err)
	}
	if _, err := fx.svc.Update(ctx, task.ID, tasks.Patch{Percent: ptr(101)}); !isKind(err, tasks.ErrInvalidArgument) {
		t.Errorf("percent 101: got %v", err)
	}
	if _, err := fx.svc.Update(ctx, 999, tasks.Patch{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing task: got %v", err)
	}
}

func TestDelete(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha")

	if _, err := fx.svc.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fx.store.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("task still present: %v", err)
	}
	if diff := cmp.Diff([]string{"remote-1"}, fx.tracker.deleted); diff != "" {
		t.Errorf("tracker deletes mismatch (-want +got):\n%s", diff)
	}
}

func TestAddComment(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha")

	if _, err := fx.svc.AddComment(ctx, "alice", task.ID, " looks good "); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	comments, err := fx.store.ListComments(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 1 || comments[0].Content != "looks good" || comments[0].UserID != "alice" {
		t.Errorf("unexpected comments: %+v", comments)
	}
	if _, err := fx.svc.AddComment(ctx, "alice", task.ID, ""); !isKind(err, tasks.ErrInvalidArgument) {
		t.Errorf("empty comment: got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha", "alice")

	started, entry, err := fx.svc.Start(ctx, "alice", task.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Percent != 50 || started.BucketID != "doing" {
		t.Errorf("after start: percent %d bucket %q", started.Percent, started.BucketID)
	}
	if started.StartDate == nil || !started.StartDate.Equal(now) {
		t.Errorf("StartDate: got %v, want %v", started.StartDate, now)
	}
	if !entry.Open() {
		t.Error("entry should be running")
	}

	_, _, err = fx.svc.Start(ctx, "alice", task.ID)
	if !isKind(err, tasks.ErrInvalidOperation) {
		t.Errorf("double start: got %v", err)
	}

	running, err := fx.svc.FindRunning(ctx, "alpha", "alice")
	if err != nil || len(running) != 1 {
		t.Errorf("FindRunning: got %d tasks, err %v", len(running), err)
	}

	fx.clock = now.Add(90 * time.Minute)
	stopped, closed, err := fx.svc.Stop(ctx, "alice", task.ID, ptr(80))
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Percent != 80 {
		t.Errorf("percent after stop: got %d, want 80", stopped.Percent)
	}
	if closed.Duration != 90*time.Minute {
		t.Errorf("duration: got %v, want 90m", closed.Duration)
	}

	_, _, err = fx.svc.Stop(ctx, "alice", task.ID, nil)
	if !isKind(err, tasks.ErrInvalidOperation) {
		t.Errorf("stop without running entry: got %v", err)
	}
}

func TestStart_Rejects(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	unassigned := fx.create(t, "Unassigned")
	if _, _, err := fx.svc.Start(ctx, "alice", unassigned.ID); !isKind(err, tasks.ErrInvalidOperation) {
		t.Errorf("unassigned: got %v", err)
	}

	done := fx.create(t, "Done", "alice")
	if _, err := fx.svc.Update(ctx, done.ID, tasks.Patch{Percent: ptr(100)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, _, err := fx.svc.Start(ctx, "alice", done.ID); !isKind(err, tasks.ErrInvalidOperation) {
		t.Errorf("completed task: got %v", err)
	}
}

func TestStart_ConflictLeavesTaskUntouched(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha", "alice")
	if _, err := fx.store.OpenEntry(ctx, task.ID, "alice", now); err != nil {
		t.Fatalf("OpenEntry: %v", err)
	}
	patches := len(fx.tracker.patches["remote-1"])

	if _, _, err := fx.svc.Start(ctx, "alice", task.ID); !isKind(err, tasks.ErrInvalidOperation) {
		t.Fatalf("conflicting start: got %v", err)
	}
	got, err := fx.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Percent != 0 || got.StartDate != nil {
		t.Errorf("task moved: percent %d start %v", got.Percent, got.StartDate)
	}
	if n := len(fx.tracker.patches["remote-1"]); n != patches {
		t.Errorf("tracker patched %d times, want %d", n, patches)
	}
}

func TestStart_TrackerFailureRollsBackEntry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha", "alice")
	fx.tracker.fail = errors.New("tracker down")

	if _, _, err := fx.svc.Start(ctx, "alice", task.ID); err == nil {
		t.Fatal("expected start to fail")
	}
	if _, err := fx.store.GetOpenEntry(ctx, task.ID, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("running entry left behind: %v", err)
	}

	fx.tracker.fail = nil
	if _, _, err := fx.svc.Start(ctx, "alice", task.ID); err != nil {
		t.Errorf("retry after rollback: %v", err)
	}
}

func TestStop_DefaultPercent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha", "alice")
	if _, _, err := fx.svc.Start(ctx, "alice", task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Force the task back to 0% to exercise the default.
	if _, err := fx.svc.Update(ctx, task.ID, tasks.Patch{Percent: ptr(0)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	stopped, _, err := fx.svc.Stop(ctx, "alice", task.ID, nil)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Percent != 50 {
		t.Errorf("percent: got %d, want 50", stopped.Percent)
	}
}

func TestAddTime(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task := fx.create(t, "Alpha")

	got, entry, err := fx.svc.AddTime(ctx, "bob", task.ID, tasks.TimeSpec{Hours: ptr(2.0)})
	if err != nil {
		t.Fatalf("AddTime: %v", err)
	}
	if entry.Duration != 2*time.Hour || !entry.End.Equal(now) {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if got.Percent != 50 {
		t.Errorf("percent: got %d, want 50", got.Percent)
	}
	if got.StartDate == nil || !got.StartDate.Equal(now.Add(-2*time.Hour)) {
		t.Errorf("StartDate: got %v", got.StartDate)
	}
	if ok, _ := fx.store.IsAssigned(ctx, task.ID, "bob"); !ok {
		t.Error("bob should be assigned after logging time")
	}

	if _, _, err := fx.svc.AddTime(ctx, "bob", task.ID, tasks.TimeSpec{Hours: ptr(1.0), Percent: ptr(120)}); !isKind(err, tasks.ErrInvalidArgument) {
		t.Errorf("percent 120: got %v", err)
	}
	if _, _, err := fx.svc.AddTime(ctx, "bob", task.ID, tasks.TimeSpec{Hours: ptr(0.0)}); !isKind(err, tasks.ErrInvalidArgument) {
		t.Errorf("zero hours: got %v", err)
	}
	if _, err := fx.svc.Update(ctx, task.ID, tasks.Patch{Percent: ptr(100)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, _, err := fx.svc.AddTime(ctx, "bob", task.ID, tasks.TimeSpec{Hours: ptr(1.0)}); !isKind(err, tasks.ErrInvalidOperation) {
		t.Errorf("completed task: got %v", err)
	}
}

func TestEffectiveRange(t *testing.T) {
	start := now.Add(-5 * time.Hour)
	end := now.Add(-1 * time.Hour)

	tests := []struct {
		name      string
		hours     *float64
		start     *time.Time
		end       *time.Time
		wantStart time.Time
		wantEnd   time.Time
		wantErr   bool
	}{
		{name: "start and hours", hours: ptr(2.0), start: &start, wantStart: start, wantEnd: start.Add(2 * time.Hour)},
		{name: "start and end", start: &start, end: &end, wantStart: start, wantEnd: end},
		{name: "hours only", hours: ptr(1.5), wantStart: now.Add(-90 * time.Minute), wantEnd: now},
		{name: "end and hours", hours: ptr(3.0), end: &end, wantStart: end.Add(-3 * time.Hour), wantEnd: end},
		{name: "all three", hours: ptr(1.0), start: &start, end: &end, wantStart: start, wantEnd: start.Add(time.Hour)},
		{name: "nothing", wantErr: true},
		{name: "start only", start: &start, wantErr: true},
		{name: "end before start", start: &end, end: &start, wantErr: true},
		{name: "negative hours", hours: ptr(-1.0), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd, err := tasks.EffectiveRange(tt.hours, tt.start, tt.end, now)
			if tt.wantErr {
				if !isKind(err, tasks.ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !gotStart.Equal(tt.wantStart) || !gotEnd.Equal(tt.wantEnd) {
				t.Errorf("got [%v, %v], want [%v, %v]", gotStart, gotEnd, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestIsDomain(t *testing.T) {
	_, _, err := tasks.EffectiveRange(nil, nil, nil, now)
	msg, ok := tasks.IsDomain(err)
	if !ok || msg == "" {
		t.Errorf("IsDomain: got (%q, %v)", msg, ok)
	}
	if _, ok := tasks.IsDomain(errors.New("plain")); ok {
		t.Error("plain error reported as domain error")
	}
}
