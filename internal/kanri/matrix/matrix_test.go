package matrix

import (
	"context"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

func TestDBSyncStore(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "kanri.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	ss := newDBSyncStore(st.DB())
	user := id.UserID("@kanri:example.org")

	if got, err := ss.LoadNextBatch(ctx, user); err != nil || got != "" {
		t.Fatalf("first LoadNextBatch = %q, %v", got, err)
	}
	for _, tok := range []string{"s1", "s2"} {
		if err := ss.SaveNextBatch(ctx, user, tok); err != nil {
			t.Fatalf("SaveNextBatch: %v", err)
		}
	}
	if got, _ := ss.LoadNextBatch(ctx, user); got != "s2" {
		t.Errorf("LoadNextBatch = %q, want s2", got)
	}
	if err := ss.SaveFilterID(ctx, user, "f1"); err != nil {
		t.Fatalf("SaveFilterID: %v", err)
	}
	if got, _ := ss.LoadFilterID(ctx, user); got != "f1" {
		t.Errorf("LoadFilterID = %q", got)
	}
	if got, _ := ss.LoadNextBatch(ctx, id.UserID("@other:example.org")); got != "" {
		t.Errorf("tokens leaked across users: %q", got)
	}
}

func TestRenderChoices(t *testing.T) {
	got := RenderChoices("Pick one:", []actions.Choice{{ID: "1", Label: "Alpha (ID: a)"}, {ID: "2", Label: "Alpha (ID: b)"}})
	want := "Pick one:\n1. Alpha (ID: a)\n2. Alpha (ID: b)"
	if got != want {
		t.Errorf("RenderChoices = %q, want %q", got, want)
	}
}

func TestListensIn(t *testing.T) {
	c := &Client{config: &Config{Rooms: []string{"!a:x"}}}
	if !c.listensIn("!a:x") || c.listensIn("!b:x") {
		t.Error("configured rooms only")
	}
	c.config.AutoJoin = true
	if !c.listensIn("!b:x") {
		t.Error("auto-join listens everywhere")
	}
}
