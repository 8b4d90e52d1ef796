package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/tracker"
)

// TaskTracker is the part of the tracker client the task sync needs.
type TaskTracker interface {
	ListTasks(ctx context.Context) ([]tracker.Task, error)
	CreateTask(ctx context.Context, nt tracker.NewTask) (*tracker.Task, error)
	UpdateTask(ctx context.Context, id string, p tracker.Patch) error
	DeleteTask(ctx context.Context, id string) error
}

// UserSyncResult counts the changes made by SyncUsers.
type UserSyncResult struct {
	Upserted int
	Removed  int
}

// TaskSyncResult counts the changes made by SyncTasks.
type TaskSyncResult struct {
	Created int
	Updated int
	Deleted int
}

// Syncer mirrors the directory into the store and the store into the
// tracker.
type Syncer struct {
	store   *store.Store
	dir     Directory
	tracker TaskTracker
}

// NewSyncer creates a Syncer. tracker may be nil, in which case SyncTasks
// is a no-op.
func NewSyncer(st *store.Store, dir Directory, tr TaskTracker) *Syncer {
	return &Syncer{store: st, dir: dir, tracker: tr}
}

// SyncUsers upserts every directory user and removes local users the
// directory no longer lists. A chat handle already stored locally is kept
// when the directory does not provide one.
func (s *Syncer) SyncUsers(ctx context.Context) (UserSyncResult, error) {
	var res UserSyncResult
	remote, err := s.dir.ListUsers(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list directory users: %w", err)
	}
	local, err := s.store.ListUsers(ctx)
	if err != nil {
		return res, err
	}
	handles := make(map[string]string, len(local))
	for _, u := range local {
		handles[u.ID] = u.Handle
	}

	seen := make(map[string]bool, len(remote))
	for _, u := range remote {
		if u.ID == "" {
			continue
		}
		if u.Handle == "" {
			u.Handle = handles[u.ID]
		}
		if err := s.store.UpsertUser(ctx, &u); err != nil {
			return res, err
		}
		seen[u.ID] = true
		res.Upserted++
	}
	for _, u := range local {
		if seen[u.ID] {
			continue
		}
		if err := s.store.DeleteUser(ctx, u.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return res, err
		}
		res.Removed++
	}
	slog.Info("users synced", "upserted", res.Upserted, "removed", res.Removed)
	return res, nil
}

// SyncTasks pushes local tasks to the tracker: tasks missing remotely are
// created, tasks that differ are patched, and remote tasks with no local
// counterpart are deleted.
func (s *Syncer) SyncTasks(ctx context.Context) (TaskSyncResult, error) {
	var res TaskSyncResult
	if s.tracker == nil {
		return res, nil
	}
	local, err := s.store.ListTasks(ctx)
	if err != nil {
		return res, err
	}
	remoteList, err := s.tracker.ListTasks(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list tracker tasks: %w", err)
	}
	remote := make(map[string]tracker.Task, len(remoteList))
	for _, rt := range remoteList {
		remote[rt.ID] = rt
	}

	known := make(map[string]bool, len(local))
	for _, t := range local {
		rt, ok := remote[t.ExternalID]
		if t.ExternalID == "" || !ok {
			created, err := s.tracker.CreateTask(ctx, tracker.NewTask{Title: t.Title, Start: t.StartDate, Due: t.DueDate})
			if err != nil {
				return res, fmt.Errorf("failed to create task %d in tracker: %w", t.ID, err)
			}
			t.ExternalID = created.ID
			if err := s.store.UpdateTask(ctx, t); err != nil {
				return res, err
			}
			known[created.ID] = true
			res.Created++
			continue
		}
		known[t.ExternalID] = true
		if !differs(t, rt) {
			continue
		}
		title, percent := t.Title, t.Percent
		if err := s.tracker.UpdateTask(ctx, t.ExternalID, tracker.Patch{
			Title:   &title,
			Percent: &percent,
			Start:   t.StartDate,
			Due:     t.DueDate,
		}); err != nil {
			return res, fmt.Errorf("failed to update task %d in tracker: %w", t.ID, err)
		}
		res.Updated++
	}

	for id := range remote {
		if known[id] {
			continue
		}
		if err := s.tracker.DeleteTask(ctx, id); err != nil {
			return res, fmt.Errorf("failed to delete tracker task %s: %w", id, err)
		}
		res.Deleted++
	}
	slog.Info("tasks synced", "created", res.Created, "updated", res.Updated, "deleted", res.Deleted)
	return res, nil
}

// SyncAll runs both syncs concurrently.
func (s *Syncer) SyncAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.SyncUsers(ctx)
		return err
	})
	g.Go(func() error {
		_, err := s.SyncTasks(ctx)
		return err
	})
	return g.Wait()
}

func differs(t *store.Task, rt tracker.Task) bool {
	return t.Title != rt.Title ||
		t.Percent != rt.PercentComplete ||
		!sameTime(t.StartDate, rt.StartDateTime) ||
		!sameTime(t.DueDate, rt.DueDateTime)
}

// sameTime compares optional timestamps at second precision.
func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
