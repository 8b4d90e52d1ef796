// Package pending keeps the one outstanding disambiguation per user.
//
// When a request matches several tasks (or users) the strategy stores the
// ordered candidate list together with everything else the request carried,
// and shows the user a numbered list. The user's next numeric message takes
// the entry back out. Take is the only way to read an entry, and it removes
// it, so a disambiguation resolves at most once.
package pending

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/intent"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// DefaultTTL is how long an entry stays resolvable.
const DefaultTTL = 15 * time.Minute

// ErrNoCandidates is returned by Put when an entry has no candidates, or has
// both task and user candidates.
var ErrNoCandidates = errors.New("pending: entry needs exactly one non-empty candidate list")

// Params carries the request details needed to finish the action once a
// candidate is picked. Only the fields relevant to the entry's Kind are set.
type Params struct {
	NewName   string
	Content   string
	Percent   *int
	Hours     *float64
	Start     *time.Time
	End       *time.Time
	TargetIDs []string
}

// Entry is one pending disambiguation.
type Entry struct {
	UserID    string
	Kind      intent.Kind
	Tasks     []*store.Task
	Users     []*store.User
	Params    Params
	CreatedAt time.Time
}

// Len returns the number of candidates.
func (e Entry) Len() int {
	return len(e.Tasks) + len(e.Users)
}

// Store is a mutex-guarded map of entries keyed by user id.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewStore returns an empty store. A non-positive ttl uses DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{entries: make(map[string]Entry), ttl: ttl, now: time.Now}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores e for e.UserID, replacing any previous entry of that user.
// Candidate and target slices are copied so later changes by the caller do
// not leak into the stored entry.
func (s *Store) Put(e Entry) error {
	if (len(e.Tasks) == 0) == (len(e.Users) == 0) {
		return ErrNoCandidates
	}
	e.Tasks = append([]*store.Task(nil), e.Tasks...)
	e.Users = append([]*store.User(nil), e.Users...)
	e.Params.TargetIDs = append([]string(nil), e.Params.TargetIDs...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if _, replaced := s.entries[e.UserID]; replaced {
		slog.Debug("pending: replacing entry", "user", e.UserID, "kind", e.Kind)
	}
	s.entries[e.UserID] = e
	return nil
}

// Take removes and returns the entry of userID. It reports false when there
// is none or it has expired.
func (s *Store) Take(userID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return Entry{}, false
	}
	delete(s.entries, userID)
	if s.expired(e, s.now()) {
		return Entry{}, false
	}
	return e, true
}

// Has reports whether userID has a live entry.
func (s *Store) Has(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	return ok && !s.expired(e, s.now())
}

// Sweep drops entries older than the TTL at now and returns how many were
// dropped.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for user, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, user)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expired(e Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > s.ttl
}
