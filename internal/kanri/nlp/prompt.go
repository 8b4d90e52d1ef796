package nlp

import (
	"fmt"
	"strings"
	"time"
)

// ActionSpec describes one action the model may choose.
type ActionSpec struct {
	// Action is the label the model must put in the "action" field.
	Action string
	// Description is a one-sentence explanation shown to the model.
	Description string
	// Fields lists the payload fields relevant to the action.
	Fields []string
	// Example is a sample user message for the action.
	Example string
}

// Catalogue is the ordered list of actions presented in the system prompt.
type Catalogue []ActionSpec

// String formats the catalogue for embedding in the system prompt.
func (c Catalogue) String() string {
	if len(c) == 0 {
		return "(no actions registered)"
	}
	var sb strings.Builder
	for _, spec := range c {
		sb.WriteString(spec.Action)
		sb.WriteString("\n  Description: ")
		sb.WriteString(spec.Description)
		if len(spec.Fields) > 0 {
			sb.WriteString("\n  Fields:      ")
			sb.WriteString(strings.Join(spec.Fields, ", "))
		}
		if spec.Example != "" {
			sb.WriteString("\n  Example:     ")
			sb.WriteString(spec.Example)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Labels returns the action labels in catalogue order.
func (c Catalogue) Labels() []string {
	out := make([]string, len(c))
	for i, spec := range c {
		out[i] = spec.Action
	}
	return out
}

// DefaultCatalogue returns the actions Kanri understands.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		{
			Action:      "AddTask",
			Description: "Create a new task, optionally assigned to users and with start and due dates.",
			Fields:      []string{"taskName", "startDate", "endDate", "userIds"},
			Example:     "add task Quarterly report due Friday",
		},
		{
			Action:      "UpdateTaskByName",
			Description: "Rename a task or change its progress, dates or assignees.",
			Fields:      []string{"taskName", "newName", "percentComplete", "startDate", "endDate", "userIds"},
			Example:     "rename Quarterly report to Q3 report",
		},
		{
			Action:      "DeleteTaskByName",
			Description: "Delete a task.",
			Fields:      []string{"taskName"},
			Example:     "delete task Old draft",
		},
		{
			Action:      "StartTaskByName",
			Description: "Start tracking time on a task for the sender.",
			Fields:      []string{"taskName"},
			Example:     "start working on Q3 report",
		},
		{
			Action:      "StopTaskByName",
			Description: "Stop tracking time on a task, optionally recording progress.",
			Fields:      []string{"taskName", "percentComplete"},
			Example:     "stop Q3 report at 80%",
		},
		{
			Action:      "AddTimeToTaskByName",
			Description: "Log worked hours on a task for one or more users.",
			Fields:      []string{"taskName", "time", "startDate", "endDate", "percentComplete", "userIds"},
			Example:     "log 2.5h on Q3 report yesterday",
		},
		{
			Action:      "CommentTaskByName",
			Description: "Leave a comment on a task.",
			Fields:      []string{"taskName", "content"},
			Example:     "comment on Q3 report: waiting for numbers",
		},
		{
			Action:      "GetUserReport",
			Description: "Summarise the time logged by users in a date range.",
			Fields:      []string{"startDate", "endDate", "userIds"},
			Example:     "how many hours did I log this week?",
		},
		{
			Action:      "GetTaskReport",
			Description: "Summarise the time logged on a task in a date range.",
			Fields:      []string{"taskName", "startDate", "endDate"},
			Example:     "report for Q3 report last month",
		},
		{
			Action:      "GetOverallReport",
			Description: "Summarise the time logged by everybody in a date range.",
			Fields:      []string{"startDate", "endDate"},
			Example:     "overall report for March",
		},
		{
			Action:      "ParsedNumbers",
			Description: "The user picks items from a numbered list shown earlier.",
			Fields:      []string{"parsedNumbers"},
			Example:     "the first and third one",
		},
		{
			Action:      "Smalltalk",
			Description: "Greetings, thanks or questions that are not task operations. Answer in \"reply\".",
			Fields:      []string{"reply"},
			Example:     "what can you do?",
		},
	}
}

// systemPromptTmpl is the instruction set sent as the system message.
// The single verb is the action catalogue.
const systemPromptTmpl = `You are Kanri, a task-management assistant in a team chat.

Your only job is to translate the user's message into one JSON object.
You never perform actions yourself.

Available actions:
%s
Payload fields (include only the ones relevant to the action):
{
  "action":          "<one of the actions above>",
  "taskName":        "<task name as written by the user>",
  "newName":         "<new task name>",
  "content":         "<comment text>",
  "percentComplete": <integer 0-100>,
  "time":            <hours as a number>,
  "startDate":       "<ISO 8601 date-time>",
  "endDate":         "<ISO 8601 date-time>",
  "userIds":         ["<directory user id>", ... ],
  "parsedNumbers":   [<integer>, ... ],
  "reply":           "<short answer for Smalltalk>"
}

RULES:
1. Respond ONLY with the JSON object.
2. Use "-10" in userIds to mean the person writing the message.
3. Resolve relative dates against the current date and time given with the request.
4. If you are not sure what the user wants, use "Smalltalk" and ask a short question in "reply".
`

// SystemPrompt renders the system prompt for catalogue c.
func SystemPrompt(c Catalogue) string {
	return fmt.Sprintf(systemPromptTmpl, c.String())
}

// UserMessage frames the user's text with the current time.
func UserMessage(req Request) string {
	return fmt.Sprintf("Current date and time is: %s. User's request: %s",
		req.Now.Format(time.RFC3339), req.Text)
}
