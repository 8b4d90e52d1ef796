package store

import "time"

// Task is a locally tracked work item. ExternalID is the id of the mirrored
// task in the external tracker and is empty until the task has been pushed.
type Task struct {
	ID              int64
	ExternalID      string
	Title           string
	NormalizedTitle string
	StartDate       *time.Time
	DueDate         *time.Time
	Percent         int
	PlanID          string
	BucketID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// User is a directory member. Handle is the chat identity (e.g. a Matrix
// user id) used to map inbound messages to the user; it may be empty when
// the chat identity equals ID.
type User struct {
	ID             string
	DisplayName    string
	NormalizedName string
	Email          string
	Handle         string
}

// TimeEntry is one block of tracked work. End is nil while the entry is
// running.
type TimeEntry struct {
	ID       int64
	TaskID   int64
	UserID   string
	Start    time.Time
	End      *time.Time
	Duration time.Duration
}

// Open reports whether the entry is still running.
func (e *TimeEntry) Open() bool {
	return e.End == nil
}

// Comment is a free-text note left on a task.
type Comment struct {
	ID        int64
	TaskID    int64
	UserID    string
	Content   string
	CreatedAt time.Time
}

// Session maps a chat conversation to a reasoning-backend thread.
type Session struct {
	ConversationID string
	ThreadID       string
	LastActivity   time.Time
}

// EntryFilter selects time entries for reports. Zero-valued fields are not
// applied. From matches entries starting at or after it; To matches entries
// that ended at or before it (running entries never match To).
type EntryFilter struct {
	UserID     string
	TaskID     int64
	From       *time.Time
	To         *time.Time
	ClosedOnly bool
}
