// Package intent turns chat text into typed actions.
//
// Parsing runs in two stages. A deterministic matcher recognises greetings,
// thanks and bare selection numbers without any network call. Everything it
// cannot classify is handed to a semantic matcher that asks a reasoning
// backend for a JSON payload, validates it against a schema and decodes it
// into a Parsed value. Parsing never fails: every error path degrades into a
// Smalltalk reply.
package intent

import "strings"

// Kind is the closed set of actions a message can resolve to.
type Kind int

const (
	Unknown Kind = iota
	AddTask
	UpdateTaskByName
	DeleteTaskByName
	StartTaskByName
	StopTaskByName
	AddTimeToTaskByName
	CommentTaskByName
	GetOverallReport
	GetUserReport
	GetTaskReport
	ParsedNumbers
	Smalltalk
)

var kindNames = [...]string{
	Unknown:             "Unknown",
	AddTask:             "AddTask",
	UpdateTaskByName:    "UpdateTaskByName",
	DeleteTaskByName:    "DeleteTaskByName",
	StartTaskByName:     "StartTaskByName",
	StopTaskByName:      "StopTaskByName",
	AddTimeToTaskByName: "AddTimeToTaskByName",
	CommentTaskByName:   "CommentTaskByName",
	GetOverallReport:    "GetOverallReport",
	GetUserReport:       "GetUserReport",
	GetTaskReport:       "GetTaskReport",
	ParsedNumbers:       "ParsedNumbers",
	Smalltalk:           "Smalltalk",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[Unknown]
	}
	return kindNames[k]
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts any casing of a kind name; unrecognised names become
// Unknown.
func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// ParseKind maps an action label to a Kind, ignoring case and surrounding
// whitespace. Unrecognised labels map to Unknown.
func ParseKind(label string) Kind {
	label = strings.TrimSpace(label)
	for i, name := range kindNames {
		if strings.EqualFold(name, label) {
			return Kind(i)
		}
	}
	return Unknown
}

// Kinds returns every kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}
