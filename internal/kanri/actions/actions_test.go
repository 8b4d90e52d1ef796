package actions_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/authz"
	"github.com/bdobrica/Kanri/internal/kanri/intent"
	"github.com/bdobrica/Kanri/internal/kanri/pending"
	"github.com/bdobrica/Kanri/internal/kanri/reports"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/tasks"
)

// fakeReplier records everything sent to the conversation.
type fakeReplier struct {
	mu       sync.Mutex
	texts    []string
	prompts  []string
	choices  [][]actions.Choice
	failSend bool
}

func (r *fakeReplier) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSend {
		return errors.New("send failed")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *fakeReplier) SendChoices(_ context.Context, prompt string, choices []actions.Choice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	r.choices = append(r.choices, choices)
	return nil
}

func (r *fakeReplier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

type roleMap map[string][]string

func (m roleMap) UserRoles(_ context.Context, id string) ([]string, error) {
	if id == "broken" {
		return nil, errors.New("directory down")
	}
	return m[id], nil
}

type fixture struct {
	store   *store.Store
	tasks   *tasks.Service
	pending *pending.Store
	disp    *actions.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kanri-actions-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()
	st, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, u := range []*store.User{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
		{ID: "jan1", DisplayName: "Jan Kowalski"},
		{ID: "jan2", DisplayName: "Jan Kowalski"},
	} {
		if err := st.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}

	fx := &fixture{
		store:   st,
		tasks:   tasks.NewService(tasks.Config{Store: st}),
		pending: pending.NewStore(0),
	}
	fx.disp = actions.NewDispatcher(actions.DispatcherConfig{
		Policy: authz.DefaultPolicy(),
		Roles:  roleMap{"alice": {authz.RoleAdmin}},
		Audit:  st,
	})
	actions.NewStrategies(actions.Config{
		Tasks:   fx.tasks,
		Reports: reports.NewService(st),
		Users:   st,
		Pending: fx.pending,
	}).Register(fx.disp)
	return fx
}

func (fx *fixture) task(t *testing.T, title string, assignees ...string) *store.Task {
	t.Helper()
	task, err := fx.tasks.Create(context.Background(), tasks.NewTask{Title: title, AssigneeIDs: assignees})
	if err != nil {
		t.Fatalf("Create(%s): %v", title, err)
	}
	return task
}

func (fx *fixture) send(sender string, p intent.Parsed) (*fakeReplier, actions.Outcome) {
	r := &fakeReplier{}
	out := fx.disp.Dispatch(context.Background(), &actions.Request{
		Parsed:       p,
		Sender:       sender,
		Conversation: "room",
		Reply:        r,
	})
	return r, out
}

func ptr[T any](v T) *T { return &v }

// --- Dispatcher ---

func TestDispatch_DeniedNeverInvokesHandler(t *testing.T) {
	called := false
	d := actions.NewDispatcher(actions.DispatcherConfig{Roles: roleMap{}})
	d.Register(intent.DeleteTaskByName, func(context.Context, *actions.Request) error {
		called = true
		return nil
	})
	r := &fakeReplier{}
	out := d.Dispatch(context.Background(), &actions.Request{
		Parsed: intent.Parsed{Kind: intent.DeleteTaskByName},
		Sender: "bob",
		Reply:  r,
	})
	if called {
		t.Error("handler invoked despite denial")
	}
	if out != actions.OutcomeDenied {
		t.Errorf("outcome: got %s", out)
	}
	want := "❌ **Access denied.** You don't have permission to perform this action: DeleteTaskByName."
	if r.last() != want {
		t.Errorf("reply: got %q, want %q", r.last(), want)
	}
}

func TestDispatch_RoleLookupFailureDenies(t *testing.T) {
	fx := newFixture(t)
	r, out := fx.send("broken", intent.Parsed{Kind: intent.AddTask, TaskName: "x"})
	if out != actions.OutcomeDenied || !strings.HasPrefix(r.last(), "❌ **Access denied.**") {
		t.Errorf("got %s / %q", out, r.last())
	}
	// Unrestricted kinds still work without roles.
	r, out = fx.send("broken", intent.Parsed{Kind: intent.Smalltalk, Reply: "hi"})
	if out != actions.OutcomeOK || r.last() != "hi" {
		t.Errorf("smalltalk: got %s / %q", out, r.last())
	}
}

func TestDispatch_NoHandler(t *testing.T) {
	d := actions.NewDispatcher(actions.DispatcherConfig{})
	r := &fakeReplier{}
	out := d.Dispatch(context.Background(), &actions.Request{Parsed: intent.Parsed{Kind: intent.Smalltalk}, Reply: r})
	if out != actions.OutcomeUnhandled || r.last() != actions.MsgNoHandler {
		t.Errorf("got %s / %q", out, r.last())
	}
}

func TestDispatch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome actions.Outcome
		reply   string
	}{
		{"domain", &tasks.Error{Kind: tasks.ErrInvalidOperation, Msg: "Nope."}, actions.OutcomeDomainError, "⚠️ Nope."},
		{"wrapped domain", errors.Join(errors.New("ctx"), &tasks.Error{Kind: tasks.ErrInvalidArgument, Msg: "Bad."}), actions.OutcomeDomainError, "⚠️ Bad."},
		{"not found", store.ErrNotFound, actions.OutcomeDomainError, actions.MsgGone},
		{"other", errors.New("db locked"), actions.OutcomeFailed, actions.MsgFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := actions.NewDispatcher(actions.DispatcherConfig{})
			d.Register(intent.Smalltalk, func(context.Context, *actions.Request) error { return tt.err })
			r := &fakeReplier{}
			out := d.Dispatch(context.Background(), &actions.Request{Parsed: intent.Parsed{Kind: intent.Smalltalk}, Reply: r})
			if out != tt.outcome || r.last() != tt.reply {
				t.Errorf("got %s / %q, want %s / %q", out, r.last(), tt.outcome, tt.reply)
			}
		})
	}
}

func TestDispatch_WritesAudit(t *testing.T) {
	fx := newFixture(t)
	fx.send("bob", intent.Parsed{Kind: intent.DeleteTaskByName, TaskName: "Alpha"})
	fx.send("alice", intent.Parsed{Kind: intent.Smalltalk})

	entries, err := fx.store.GetAuditLog(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries: got %d, want 2", len(entries))
	}
	results := map[string]string{}
	for _, e := range entries {
		results[e.Action] = e.Result
	}
	want := map[string]string{"DeleteTaskByName": "denied", "Smalltalk": "ok"}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("audit results mismatch (-want +got):\n%s", diff)
	}
}

// --- Strategies ---

func TestSmalltalkAndUnknown(t *testing.T) {
	fx := newFixture(t)
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.Smalltalk})
	if r.last() != intent.GreetingReply {
		t.Errorf("smalltalk fallback: got %q", r.last())
	}
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.Unknown, Content: "blorp"})
	if r.last() != "❓ I didn't understand your message: blorp" {
		t.Errorf("unknown: got %q", r.last())
	}
}

func TestAddTask(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.AddTask})
	if r.last() != actions.MsgNameRequired {
		t.Errorf("missing name: got %q", r.last())
	}

	r, out := fx.send("alice", intent.Parsed{
		Kind:     intent.AddTask,
		TaskName: "Write docs",
		Targets:  []intent.TargetUser{{Self: true}, {ID: "bob"}},
	})
	if out != actions.OutcomeOK || r.last() != "✅ Task 'Write docs' was added." {
		t.Fatalf("got %s / %q", out, r.last())
	}
	found, _ := fx.tasks.FindByName(ctx, "write docs")
	if len(found) != 1 {
		t.Fatalf("tasks found: %d", len(found))
	}
	ids, _ := fx.store.AssignedUserIDs(ctx, found[0].ID)
	if diff := cmp.Diff([]string{"alice", "bob"}, ids); diff != "" {
		t.Errorf("assignees mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateTask_DueBeforeStart(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha")
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(-24 * time.Hour)
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.UpdateTaskByName, TaskName: "Alpha", Start: &start, End: &end})
	if r.last() != actions.MsgDueBeforeStart {
		t.Errorf("got %q", r.last())
	}
}

func TestUpdateTask_Single(t *testing.T) {
	fx := newFixture(t)
	task := fx.task(t, "Alpha")
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.UpdateTaskByName, TaskName: "alpha", NewName: "Beta", Percent: ptr(30)})
	if r.last() != "✏️ Task 'Beta' was updated." {
		t.Errorf("got %q", r.last())
	}
	got, _ := fx.store.GetTask(context.Background(), task.ID)
	if got.Title != "Beta" || got.Percent != 30 {
		t.Errorf("task after update: %+v", got)
	}
}

func TestNotFound(t *testing.T) {
	fx := newFixture(t)
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.DeleteTaskByName, TaskName: "Ghost"})
	if r.last() != "⚠️ No task found with given name: 'Ghost'." {
		t.Errorf("got %q", r.last())
	}
}

func TestDisambiguationRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a1 := fx.task(t, "Alpha")
	a2 := fx.task(t, "alpha")
	a3 := fx.task(t, "ALPHA")

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.DeleteTaskByName, TaskName: "Alpha"})
	if len(r.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d (texts %v)", len(r.prompts), r.texts)
	}
	if r.prompts[0] != "🔎 Found several tasks with the name 'Alpha'. Please specify which one to delete:" {
		t.Errorf("prompt: got %q", r.prompts[0])
	}
	wantChoices := []actions.Choice{
		{ID: "1", Label: fmt.Sprintf("Alpha (ID: %d)", a1.ID)},
		{ID: "2", Label: fmt.Sprintf("alpha (ID: %d)", a2.ID)},
		{ID: "3", Label: fmt.Sprintf("ALPHA (ID: %d)", a3.ID)},
	}
	if diff := cmp.Diff(wantChoices, r.choices[0]); diff != "" {
		t.Errorf("choices mismatch (-want +got):\n%s", diff)
	}

	r, _ = fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{2, 0, 7, 2}})
	want := []string{"🗑️ Deleted 1 task(s).", "ℹ️ Ignored: 0, 7."}
	if diff := cmp.Diff(want, r.texts); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	if _, err := fx.store.GetTask(ctx, a2.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("candidate 2 should be deleted: %v", err)
	}
	for _, kept := range []*store.Task{a1, a3} {
		if _, err := fx.store.GetTask(ctx, kept.ID); err != nil {
			t.Errorf("task %d should remain: %v", kept.ID, err)
		}
	}

	// At most once.
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{1}})
	if r.last() != actions.MsgNoPending {
		t.Errorf("second resolution: got %q", r.last())
	}
}

func TestResolve_NoValidNumbers(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha")
	fx.task(t, "Alpha")
	fx.send("alice", intent.Parsed{Kind: intent.DeleteTaskByName, TaskName: "Alpha"})

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{0, 5}})
	if r.last() != actions.MsgNoMatch {
		t.Errorf("got %q", r.last())
	}
	if fx.pending.Has("alice") {
		t.Error("entry should be consumed even when nothing matched")
	}
}

func TestResolve_VanishedCandidate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.task(t, "Alpha")
	gone := fx.task(t, "Alpha")
	fx.send("alice", intent.Parsed{Kind: intent.CommentTaskByName, TaskName: "Alpha", Content: "ship it"})

	if err := fx.store.DeleteTask(ctx, gone.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{1, 2}})
	want := "💬 Added comments to 1 task(s).\n⚠️ Could not comment on 1 task(s):\n- Alpha (no longer exists)"
	if r.last() != want {
		t.Errorf("got %q, want %q", r.last(), want)
	}
}

func TestResolve_TaskReportsContinuePastVanishedCandidate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	gone := fx.task(t, "Alpha")
	fx.task(t, "Alpha")
	if r, _ := fx.send("alice", intent.Parsed{Kind: intent.GetTaskReport, TaskName: "Alpha"}); len(r.choices) != 1 {
		t.Fatalf("expected a disambiguation prompt, got texts %q", r.texts)
	}

	if err := fx.store.DeleteTask(ctx, gone.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{1, 2}})
	if len(r.texts) != 2 {
		t.Fatalf("expected one report and one failure note, got %q", r.texts)
	}
	if !strings.Contains(r.texts[0], "Report for task: Alpha") {
		t.Errorf("report for the remaining candidate not sent, got %q", r.texts[0])
	}
	want := "⚠️ Could not build 1 report(s):\n- Alpha (no longer exists)"
	if r.texts[1] != want {
		t.Errorf("got %q, want %q", r.texts[1], want)
	}
}

func TestStartStop(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha", "alice")

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.StartTaskByName, TaskName: "Alpha"})
	if r.last() != "▶️ Started task 'Alpha'." {
		t.Errorf("start: got %q", r.last())
	}
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.StartTaskByName, TaskName: "Alpha"})
	if r.last() != "⚠️ Cannot start task: Task is already running for this user." {
		t.Errorf("double start: got %q", r.last())
	}

	r, _ = fx.send("alice", intent.Parsed{Kind: intent.StopTaskByName, TaskName: "Alpha", Percent: ptr(70)})
	if r.last() != "⏹️ Stopped task 'Alpha' 70%" {
		t.Errorf("stop: got %q", r.last())
	}
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.StopTaskByName, TaskName: "Alpha"})
	if r.last() != "⚠️ No active task found with given name: 'Alpha'." {
		t.Errorf("stop again: got %q", r.last())
	}
}

func TestStop_OnlyRunningTasksAreCandidates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.task(t, "Alpha", "alice")
	running := fx.task(t, "Alpha", "alice")
	if _, _, err := fx.tasks.Start(ctx, "alice", running.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.StopTaskByName, TaskName: "Alpha"})
	if len(r.prompts) != 0 {
		t.Fatalf("unexpected disambiguation: %v", r.prompts)
	}
	if r.last() != "⏹️ Stopped task 'Alpha'" {
		t.Errorf("got %q", r.last())
	}
	if _, err := fx.store.GetOpenEntry(ctx, running.ID, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("entry should be closed: %v", err)
	}
}

func TestResolve_StartPartialFailure(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha", "alice")
	fx.task(t, "Alpha")

	fx.send("alice", intent.Parsed{Kind: intent.StartTaskByName, TaskName: "Alpha"})
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{1, 2}})
	want := "▶️ Successfully started 1 task(s).\n⚠️ Could not start 1 task(s):\n" +
		"- Alpha (User is not assigned to this task and cannot start it.)"
	if r.last() != want {
		t.Errorf("got %q, want %q", r.last(), want)
	}
}

func TestAddTime(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha")

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.AddTimeToTaskByName, TaskName: "Alpha"})
	if r.last() != actions.MsgTimeRequired {
		t.Errorf("missing time: got %q", r.last())
	}
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.AddTimeToTaskByName, TaskName: "Alpha", Hours: ptr(2.0)})
	if r.last() != "⏱️ Logged 2h to task 'Alpha' for 1 user(s)." {
		t.Errorf("got %q", r.last())
	}
	r, out := fx.send("alice", intent.Parsed{Kind: intent.AddTimeToTaskByName, TaskName: "Alpha", Hours: ptr(-1.0)})
	if out != actions.OutcomeDomainError || r.last() != "⚠️ Duration must be greater than zero." {
		t.Errorf("negative hours: got %s / %q", out, r.last())
	}
}

func TestAddTime_RoundsLoggedHours(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha")

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.AddTimeToTaskByName, TaskName: "Alpha", Hours: ptr(1.0 / 3)})
	if r.last() != "⏱️ Logged 0.33h to task 'Alpha' for 1 user(s)." {
		t.Errorf("got %q", r.last())
	}
}

func TestAddTime_PendingForTargets(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha")
	fx.task(t, "Alpha")

	fx.send("alice", intent.Parsed{
		Kind:     intent.AddTimeToTaskByName,
		TaskName: "Alpha",
		Hours:    ptr(1.0),
		Targets:  []intent.TargetUser{{Self: true}, {ID: "bob"}},
	})
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{1, 2}})
	if r.last() != "⏱️ Logged time to 2 task(s) for 2 user(s)." {
		t.Errorf("got %q", r.last())
	}
	entries, _ := fx.store.ListEntries(context.Background(), store.EntryFilter{})
	if len(entries) != 4 {
		t.Errorf("entries: got %d, want 4", len(entries))
	}
}

func TestUserReport_ByNameDisambiguation(t *testing.T) {
	fx := newFixture(t)

	r, _ := fx.send("alice", intent.Parsed{Kind: intent.GetUserReport, Targets: []intent.TargetUser{{ID: "jan kowalski"}}})
	if len(r.prompts) != 1 || r.prompts[0] != "🔎 Found several users with the name 'jan kowalski'. Please specify which one to report on:" {
		t.Fatalf("prompts: %v", r.prompts)
	}
	if diff := cmp.Diff([]actions.Choice{
		{ID: "1", Label: "Jan Kowalski (jan1)"},
		{ID: "2", Label: "Jan Kowalski (jan2)"},
	}, r.choices[0]); diff != "" {
		t.Errorf("choices mismatch (-want +got):\n%s", diff)
	}

	r, _ = fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{2}})
	if len(r.texts) != 1 || !strings.Contains(r.texts[0], "Report for user: Jan Kowalski (jan2)") {
		t.Errorf("report replies: %v", r.texts)
	}
}

func TestUserReport_Defaults(t *testing.T) {
	fx := newFixture(t)
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.GetUserReport})
	if !strings.Contains(r.last(), "Report for user: Alice (alice)") {
		t.Errorf("self report: got %q", r.last())
	}
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.GetUserReport, Targets: []intent.TargetUser{{ID: "bob"}, {ID: "Nobody"}}})
	if len(r.texts) != 2 || r.texts[1] != "⚠️ No user found with given name: 'Nobody'." {
		t.Errorf("replies: %v", r.texts)
	}
}

func TestTaskAndOverallReports(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha")
	r, _ := fx.send("alice", intent.Parsed{Kind: intent.GetTaskReport, TaskName: "Alpha"})
	if !strings.HasPrefix(r.last(), "📋 **Report for task: Alpha") {
		t.Errorf("task report: got %q", r.last())
	}
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.GetTaskReport})
	if r.last() != actions.MsgNameRequired {
		t.Errorf("missing name: got %q", r.last())
	}
	r, _ = fx.send("alice", intent.Parsed{Kind: intent.GetOverallReport})
	if !strings.HasPrefix(r.last(), "🌍 **Overall Report**") {
		t.Errorf("overall report: got %q", r.last())
	}
}

func TestConcurrentResolveIsAtMostOnce(t *testing.T) {
	fx := newFixture(t)
	fx.task(t, "Alpha")
	fx.task(t, "Alpha")
	fx.send("alice", intent.Parsed{Kind: intent.DeleteTaskByName, TaskName: "Alpha"})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _ := fx.send("alice", intent.Parsed{Kind: intent.ParsedNumbers, Numbers: []int{1}})
			if strings.HasPrefix(r.last(), "🗑️ Deleted") {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if resolved != 1 {
		t.Errorf("resolved %d times, want 1", resolved)
	}
}
