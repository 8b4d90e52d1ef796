package nlp_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/nlp"
)

func TestDefaultCatalogue_CoversEveryAction(t *testing.T) {
	want := []string{
		"AddTask", "UpdateTaskByName", "DeleteTaskByName", "StartTaskByName",
		"StopTaskByName", "AddTimeToTaskByName", "CommentTaskByName",
		"GetUserReport", "GetTaskReport", "GetOverallReport", "ParsedNumbers", "Smalltalk",
	}
	labels := nlp.DefaultCatalogue().Labels()
	have := make(map[string]bool, len(labels))
	for _, l := range labels {
		have[l] = true
	}
	for _, w := range want {
		if !have[w] {
			t.Errorf("catalogue is missing %s", w)
		}
	}
}

func TestSystemPrompt_EmbedsCatalogue(t *testing.T) {
	p := nlp.SystemPrompt(nlp.Catalogue{{Action: "Only", Description: "the one"}})
	if !strings.Contains(p, "Only\n  Description: the one") {
		t.Errorf("catalogue not rendered:\n%s", p)
	}
	if strings.Contains(p, "%!") {
		t.Error("unsubstituted printf verb in system prompt")
	}
}

func TestEmptyCatalogue(t *testing.T) {
	if got := nlp.Catalogue(nil).String(); got != "(no actions registered)" {
		t.Errorf("got %q", got)
	}
}

func TestUserMessage(t *testing.T) {
	got := nlp.UserMessage(nlp.Request{Text: "log 2h", Now: time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)})
	want := "Current date and time is: 2025-06-02T08:30:00Z. User's request: log 2h"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
