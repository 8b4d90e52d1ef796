// Package reports aggregates finished time entries into per-user, per-task
// and overall summaries and renders them as chat messages.
package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/store"
)

const na = "N/A"

// Range limits a report to entries that started at or after Start and ended
// at or before End. Either bound may be nil.
type Range struct {
	Start *time.Time
	End   *time.Time
}

// normalized swaps the bounds when they are reversed.
func (r Range) normalized() Range {
	if r.Start != nil && r.End != nil && r.Start.After(*r.End) {
		return Range{Start: r.End, End: r.Start}
	}
	return r
}

func (r Range) filter() store.EntryFilter {
	r = r.normalized()
	return store.EntryFilter{From: r.Start, To: r.End, ClosedOnly: true}
}

// UserStat is one user's share of a set of entries.
type UserStat struct {
	UserID string
	Name   string
	Hours  float64
	Tasks  int
}

// UserReport summarizes one user's logged time.
type UserReport struct {
	UserID       string
	UserName     string
	TotalHours   float64
	TotalEntries int
	TotalTasks   int
}

// TaskReport summarizes the time logged on one task.
type TaskReport struct {
	TaskID       int64
	TaskName     string
	TotalHours   float64
	TotalEntries int
	TotalUsers   int
	Best         *UserStat
	Worst        *UserStat
}

// OverallReport summarizes all logged time.
type OverallReport struct {
	TotalHours   float64
	TotalEntries int
	TotalTasks   int
	BestTime     *UserStat
	WorstTime    *UserStat
	MostTasks    *UserStat
	FewestTasks  *UserStat
}

// Service builds reports from the store.
type Service struct {
	store *store.Store
}

// NewService creates a report Service.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// User builds the report for userID.
func (s *Service) User(ctx context.Context, userID string, r Range) (*UserReport, error) {
	if userID == "" {
		return nil, errors.New("reports: user id is required")
	}
	f := r.filter()
	f.UserID = userID
	entries, err := s.store.ListEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	rep := &UserReport{
		UserID:       userID,
		UserName:     s.displayName(ctx, userID),
		TotalHours:   totalHours(entries),
		TotalEntries: len(entries),
		TotalTasks:   distinct(entries, func(e *store.TimeEntry) string { return fmt.Sprint(e.TaskID) }),
	}
	return rep, nil
}

// Task builds the report for one task.
func (s *Service) Task(ctx context.Context, taskID int64, r Range) (*TaskReport, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	f := r.filter()
	f.TaskID = taskID
	entries, err := s.store.ListEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	rep := &TaskReport{
		TaskID:       taskID,
		TaskName:     task.Title,
		TotalHours:   totalHours(entries),
		TotalEntries: len(entries),
		TotalUsers:   distinct(entries, func(e *store.TimeEntry) string { return e.UserID }),
	}
	if stats := s.userStats(ctx, entries); len(stats) > 0 {
		byHours := sortedBy(stats, func(u *UserStat) float64 { return u.Hours })
		rep.Best, rep.Worst = byHours[0], byHours[len(byHours)-1]
	}
	return rep, nil
}

// Overall builds the report over every user and task.
func (s *Service) Overall(ctx context.Context, r Range) (*OverallReport, error) {
	entries, err := s.store.ListEntries(ctx, r.filter())
	if err != nil {
		return nil, err
	}
	rep := &OverallReport{
		TotalHours:   totalHours(entries),
		TotalEntries: len(entries),
		TotalTasks:   distinct(entries, func(e *store.TimeEntry) string { return fmt.Sprint(e.TaskID) }),
	}
	if stats := s.userStats(ctx, entries); len(stats) > 0 {
		byHours := sortedBy(stats, func(u *UserStat) float64 { return u.Hours })
		rep.BestTime, rep.WorstTime = byHours[0], byHours[len(byHours)-1]
		byTasks := sortedBy(stats, func(u *UserStat) float64 { return float64(u.Tasks) })
		rep.MostTasks, rep.FewestTasks = byTasks[0], byTasks[len(byTasks)-1]
	}
	return rep, nil
}

// userStats groups entries per user, ordered by user id.
func (s *Service) userStats(ctx context.Context, entries []*store.TimeEntry) []*UserStat {
	byUser := map[string]*UserStat{}
	tasks := map[string]map[int64]bool{}
	for _, e := range entries {
		u, ok := byUser[e.UserID]
		if !ok {
			u = &UserStat{UserID: e.UserID}
			byUser[e.UserID] = u
			tasks[e.UserID] = map[int64]bool{}
		}
		u.Hours += e.Duration.Hours()
		tasks[e.UserID][e.TaskID] = true
	}
	stats := make([]*UserStat, 0, len(byUser))
	for id, u := range byUser {
		u.Tasks = len(tasks[id])
		u.Name = s.displayName(ctx, id)
		stats = append(stats, u)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].UserID < stats[j].UserID })
	return stats
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u.DisplayName == "" {
		return ""
	}
	return u.DisplayName
}

// sortedBy returns a copy of stats ordered by key, highest first. Ties keep
// user id order.
func sortedBy(stats []*UserStat, key func(*UserStat) float64) []*UserStat {
	out := append([]*UserStat(nil), stats...)
	sort.SliceStable(out, func(i, j int) bool { return key(out[i]) > key(out[j]) })
	return out
}

func totalHours(entries []*store.TimeEntry) float64 {
	var d time.Duration
	for _, e := range entries {
		d += e.Duration
	}
	return d.Hours()
}

func distinct(entries []*store.TimeEntry, key func(*store.TimeEntry) string) int {
	seen := map[string]bool{}
	for _, e := range entries {
		seen[key(e)] = true
	}
	return len(seen)
}

func orNA(s string) string {
	if s == "" {
		return na
	}
	return s
}

// Message renders the report for chat.
func (r *UserReport) Message() string {
	var b strings.Builder
	who := r.UserID
	if r.UserName != "" {
		who = fmt.Sprintf("%s (%s)", r.UserName, r.UserID)
	}
	fmt.Fprintf(&b, "📊 **Report for user: %s**\n", who)
	b.WriteString("---\n")
	fmt.Fprintf(&b, "Total hours registered: **%.2f**.\n", r.TotalHours)
	fmt.Fprintf(&b, "Total amount of time entries: **%d**.\n", r.TotalEntries)
	fmt.Fprintf(&b, "Total number of different tasks: **%d**.\n", r.TotalTasks)
	b.WriteString("---")
	if r.TotalEntries == 0 {
		b.WriteString("\nNo time entries found.")
	}
	return b.String()
}

// Message renders the report for chat.
func (r *TaskReport) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 **Report for task: %s (%d)**\n", r.TaskName, r.TaskID)
	b.WriteString("---\n")
	fmt.Fprintf(&b, "Total hours spent: **%.2f**.\n", r.TotalHours)
	fmt.Fprintf(&b, "Total amount of time entries: **%d**.\n", r.TotalEntries)
	fmt.Fprintf(&b, "Total number of different users: **%d**.\n", r.TotalUsers)
	b.WriteString("---\n")
	best, worst := r.Best, r.Worst
	if best == nil {
		best, worst = &UserStat{}, &UserStat{}
	}
	fmt.Fprintf(&b, "🏆 Best time: **%.2fh** by %s (%s).\n", best.Hours, orNA(best.Name), orNA(best.UserID))
	fmt.Fprintf(&b, "🐌 Worst time: **%.2fh** by %s (%s).\n", worst.Hours, orNA(worst.Name), orNA(worst.UserID))
	b.WriteString("---")
	if r.TotalEntries == 0 {
		b.WriteString("\nNo time entries found.")
	}
	return b.String()
}

// Message renders the report for chat.
func (r *OverallReport) Message() string {
	var b strings.Builder
	b.WriteString("🌍 **Overall Report**\n")
	b.WriteString("---\n")
	fmt.Fprintf(&b, "Total hours registered **%.2f**.\n", r.TotalHours)
	fmt.Fprintf(&b, "Total amount of time entries: **%d**.\n", r.TotalEntries)
	fmt.Fprintf(&b, "Total number of different tasks: **%d**.\n", r.TotalTasks)
	b.WriteString("---")
	if r.TotalEntries == 0 || r.BestTime == nil {
		b.WriteString("\nNo time entries found.")
		return b.String()
	}
	b.WriteString("\nUser statistics:\n")
	fmt.Fprintf(&b, "- Best time (%.2fh): User **%s** (%s).\n", r.BestTime.Hours, orNA(r.BestTime.Name), r.BestTime.UserID)
	fmt.Fprintf(&b, "- Worst time (%.2fh): User **%s** (%s).\n", r.WorstTime.Hours, orNA(r.WorstTime.Name), r.WorstTime.UserID)
	fmt.Fprintf(&b, "- Most tasks (%d): User **%s**.\n", r.MostTasks.Tasks, r.MostTasks.UserID)
	fmt.Fprintf(&b, "- Fewest tasks (%d): User **%s**.\n", r.FewestTasks.Tasks, r.FewestTasks.UserID)
	b.WriteString("---")
	return b.String()
}
