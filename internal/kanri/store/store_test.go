package store_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Kanri/internal/kanri/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kanri-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func mustUser(t *testing.T, s *store.Store, id, name string) {
	t.Helper()
	if err := s.UpsertUser(context.Background(), &store.User{ID: id, DisplayName: name}); err != nil {
		t.Fatalf("UpsertUser(%s): %v", id, err)
	}
}

func mustTask(t *testing.T, s *store.Store, title string) *store.Task {
	t.Helper()
	task := &store.Task{Title: title}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask(%s): %v", title, err)
	}
	return task
}

func TestSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("schema version: got %d, want 3", v)
	}
}

// --- Tasks ---

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	task := &store.Task{Title: "Łukasz Report", StartDate: &start, Percent: 10}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "Łukasz Report" {
		t.Errorf("Title: got %q", got.Title)
	}
	if got.NormalizedTitle != "lukaszreport" {
		t.Errorf("NormalizedTitle: got %q, want %q", got.NormalizedTitle, "lukaszreport")
	}
	if got.StartDate == nil || !got.StartDate.Equal(start) {
		t.Errorf("StartDate: got %v, want %v", got.StartDate, start)
	}
	if got.DueDate != nil {
		t.Errorf("DueDate: got %v, want nil", got.DueDate)
	}
	if got.Percent != 10 {
		t.Errorf("Percent: got %d, want 10", got.Percent)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), 42)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindTasksByName_Normalizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustTask(t, s, "Zażółć Gęślą")
	b := mustTask(t, s, "zazolc gesla")
	mustTask(t, s, "Other")

	got, err := s.FindTasksByName(ctx, "  ZAZOLC   GESLA ")
	if err != nil {
		t.Fatalf("FindTasksByName: %v", err)
	}
	var ids []int64
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	if diff := cmp.Diff([]int64{a.ID, b.ID}, ids); diff != "" {
		t.Errorf("matching ids (-want +got):\n%s", diff)
	}
}

func TestUpdateAndDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "Draft")

	task.Title = "Final"
	task.Percent = 100
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Title != "Final" || got.Percent != 100 || got.NormalizedTitle != "final" {
		t.Errorf("unexpected task after update: %+v", got)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second DeleteTask: expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateTask(ctx, task); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateTask on deleted row: expected ErrNotFound, got %v", err)
	}
}

func TestPercentOutOfRangeRejected(t *testing.T) {
	s := newTestStore(t)
	task := &store.Task{Title: "x", Percent: 101}
	if err := s.CreateTask(context.Background(), task); err == nil {
		t.Fatal("expected CHECK constraint failure for percent 101")
	}
}

func TestAssignUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUser(t, s, "u1", "Ann")
	mustUser(t, s, "u2", "Bob")
	task := mustTask(t, s, "Plan")

	if err := s.AssignUsers(ctx, task.ID, []string{"u2", "u1"}); err != nil {
		t.Fatalf("AssignUsers: %v", err)
	}
	if err := s.AssignUsers(ctx, task.ID, []string{"u1"}); err != nil {
		t.Fatalf("AssignUsers (repeat): %v", err)
	}

	ids, err := s.AssignedUserIDs(ctx, task.ID)
	if err != nil {
		t.Fatalf("AssignedUserIDs: %v", err)
	}
	if diff := cmp.Diff([]string{"u1", "u2"}, ids); diff != "" {
		t.Errorf("assignees (-want +got):\n%s", diff)
	}

	ok, err := s.IsAssigned(ctx, task.ID, "u1")
	if err != nil || !ok {
		t.Errorf("IsAssigned(u1): got %v, %v", ok, err)
	}

	tasks, err := s.ListTasksForUser(ctx, "u2")
	if err != nil {
		t.Fatalf("ListTasksForUser: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Errorf("ListTasksForUser: got %d tasks", len(tasks))
	}
}

// --- Users ---

func TestUpsertUserAndLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &store.User{ID: "u1", DisplayName: "Łukasz Nowak", Handle: "@lukasz:example.org"}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	u.Email = "lukasz@example.org"
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser (update): %v", err)
	}

	got, err := s.GetUserByHandle(ctx, "@lukasz:example.org")
	if err != nil {
		t.Fatalf("GetUserByHandle: %v", err)
	}
	if got.Email != "lukasz@example.org" {
		t.Errorf("Email: got %q", got.Email)
	}

	found, err := s.FindUsersByName(ctx, "lukasz nowak")
	if err != nil {
		t.Fatalf("FindUsersByName: %v", err)
	}
	if len(found) != 1 || found[0].ID != "u1" {
		t.Errorf("FindUsersByName: got %+v", found)
	}

	if _, err := s.GetUserByHandle(ctx, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("empty handle: expected ErrNotFound, got %v", err)
	}

	n, _ := s.UserCount(ctx)
	if n != 1 {
		t.Errorf("UserCount: got %d, want 1", n)
	}
}

// --- Time entries ---

func TestOpenEntry_RejectsSecondRunningEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUser(t, s, "u1", "Ann")
	task := mustTask(t, s, "Plan")
	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	e, err := s.OpenEntry(ctx, task.ID, "u1", now)
	if err != nil {
		t.Fatalf("OpenEntry: %v", err)
	}
	if _, err := s.OpenEntry(ctx, task.ID, "u1", now); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second OpenEntry: expected ErrConflict, got %v", err)
	}

	if err := s.CloseEntry(ctx, e, now.Add(90*time.Minute)); err != nil {
		t.Fatalf("CloseEntry: %v", err)
	}
	if e.Duration != 90*time.Minute {
		t.Errorf("Duration: got %v, want 90m", e.Duration)
	}
	if err := s.CloseEntry(ctx, e, now.Add(2*time.Hour)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("closing twice: expected ErrNotFound, got %v", err)
	}

	// Closed entries no longer block a new one.
	if _, err := s.OpenEntry(ctx, task.ID, "u1", now.Add(3*time.Hour)); err != nil {
		t.Errorf("OpenEntry after close: %v", err)
	}
	open, err := s.OpenTaskIDs(ctx, "u1")
	if err != nil {
		t.Fatalf("OpenTaskIDs: %v", err)
	}
	if !open[task.ID] {
		t.Error("expected task to have a running entry")
	}
}

func TestGetOpenEntry_NotFound(t *testing.T) {
	s := newTestStore(t)
	mustUser(t, s, "u1", "Ann")
	task := mustTask(t, s, "Plan")
	_, err := s.GetOpenEntry(context.Background(), task.ID, "u1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEntries_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUser(t, s, "u1", "Ann")
	mustUser(t, s, "u2", "Bob")
	task := mustTask(t, s, "Plan")

	day := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	if _, err := s.AddEntry(ctx, task.ID, "u1", day.Add(9*time.Hour), day.Add(11*time.Hour)); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := s.AddEntry(ctx, task.ID, "u1", day.Add(20*time.Hour), day.Add(26*time.Hour)); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := s.AddEntry(ctx, task.ID, "u2", day.Add(10*time.Hour), day.Add(12*time.Hour)); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if _, err := s.OpenEntry(ctx, task.ID, "u1", day.Add(13*time.Hour)); err != nil {
		t.Fatalf("OpenEntry: %v", err)
	}

	from, to := day, day.Add(24*time.Hour)
	got, err := s.ListEntries(ctx, store.EntryFilter{UserID: "u1", From: &from, To: &to})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry inside the window, got %d", len(got))
	}
	if got[0].Duration != 2*time.Hour {
		t.Errorf("Duration: got %v, want 2h", got[0].Duration)
	}

	all, err := s.ListEntries(ctx, store.EntryFilter{TaskID: task.ID, ClosedOnly: true})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("closed entries for task: got %d, want 3", len(all))
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUser(t, s, "u1", "Ann")
	task := mustTask(t, s, "Plan")
	now := time.Now()
	if _, err := s.AddEntry(ctx, task.ID, "u1", now.Add(-time.Hour), now); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.CreateComment(ctx, &store.Comment{TaskID: task.ID, UserID: "u1", Content: "hi"}); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	entries, _ := s.ListEntries(ctx, store.EntryFilter{TaskID: task.ID})
	comments, _ := s.ListComments(ctx, task.ID)
	if len(entries) != 0 || len(comments) != 0 {
		t.Errorf("expected cascade delete, got %d entries and %d comments", len(entries), len(comments))
	}
}

// --- Sessions ---

func TestSessions_IdleCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if err := s.PutSession(ctx, "conv-old", "thread_1"); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if err := s.PutSession(ctx, "conv-new", "thread_2"); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	n, err := s.DeleteIdleSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("DeleteIdleSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted: got %d, want 1", n)
	}
	if _, err := s.GetSession(ctx, "conv-old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("conv-old: expected ErrNotFound, got %v", err)
	}
	sess, err := s.GetSession(ctx, "conv-new")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ThreadID != "thread_2" {
		t.Errorf("ThreadID: got %q", sess.ThreadID)
	}
}

// --- Audit & dedup ---

func TestWriteAudit_RedactsPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WriteAudit(ctx, "t_1", "u1", "AddTask", "Plan", "success",
		store.AuditPayload{"title": "Plan", "api_key": "sk-secret"}, "")
	if err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	entries, err := s.GetAuditByTrace(ctx, "t_1")
	if err != nil {
		t.Fatalf("GetAuditByTrace: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if got := entries[0].PayloadJSON.String; got == "" || strings.Contains(got, "sk-secret") {
		t.Errorf("payload not redacted: %q", got)
	}
}

func TestMarkProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "ingress", "m1")
	if err != nil || !first {
		t.Fatalf("first MarkProcessed: got %v, %v", first, err)
	}
	again, err := s.MarkProcessed(ctx, "ingress", "m1")
	if err != nil || again {
		t.Fatalf("second MarkProcessed: got %v, %v", again, err)
	}
	other, _ := s.MarkProcessed(ctx, "matrix", "m1")
	if !other {
		t.Error("ids are scoped per source")
	}
}
