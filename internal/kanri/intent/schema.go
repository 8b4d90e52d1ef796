package intent

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const payloadSchemaURL = "https://kanri.local/schemas/intent-payload-v1.json"

// payloadSchema describes version 1 of the JSON object the reasoning backend
// returns. Only "action" is required. Unknown properties are allowed so
// that newer prompts can add fields without breaking older deployments.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "` + payloadSchemaURL + `",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action":          {"type": "string", "minLength": 1},
    "taskName":        {"type": ["string", "null"]},
    "content":         {"type": ["string", "null"]},
    "reply":           {"type": ["string", "null"]},
    "newName":         {"type": ["string", "null"]},
    "percentComplete": {"type": ["integer", "null"]},
    "time":            {"type": ["number", "null"]},
    "parsedNumbers":   {"type": ["array", "null"], "items": {"type": "integer"}},
    "startDate":       {"type": ["string", "null"]},
    "endDate":         {"type": ["string", "null"]},
    "userIds":         {"type": ["array", "null"], "items": {"type": ["string", "integer"]}}
  },
  "additionalProperties": true
}`

var compiledPayloadSchema = jsonschema.MustCompileString(payloadSchemaURL, payloadSchema)

// canonicalKeys maps a folded property name to the name used in the schema.
var canonicalKeys = func() map[string]string {
	keys := []string{
		"action", "taskName", "content", "reply", "newName", "percentComplete",
		"time", "parsedNumbers", "startDate", "endDate", "userIds",
	}
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[foldKey(k)] = k
	}
	return m
}()

// foldKey lowercases a property name and drops "_" and "-", so "TaskName",
// "task_name" and "task-name" fold to the same key.
func foldKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

// canonicalize renames known top-level properties to their schema spelling.
// Unknown properties are kept as they are.
func canonicalize(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if c, ok := canonicalKeys[foldKey(k)]; ok {
			out[c] = v
			continue
		}
		out[k] = v
	}
	return out
}

// validatePayload checks obj against the payload schema. Properties whose
// value fails validation are removed so the rest of the payload is still
// usable. It reports false when the object as a whole is unusable, which is
// the case when "action" itself is missing or invalid.
func validatePayload(obj map[string]any) bool {
	for range 2 {
		err := compiledPayloadSchema.Validate(obj)
		if err == nil {
			return true
		}
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return false
		}
		bad := invalidProperties(ve)
		if len(bad) == 0 || bad["action"] || bad[""] {
			return false
		}
		for k := range bad {
			delete(obj, k)
		}
	}
	return compiledPayloadSchema.Validate(obj) == nil
}

// invalidProperties collects the top-level property names that leaf
// validation errors point at. The empty name stands for the root object.
func invalidProperties(ve *jsonschema.ValidationError) map[string]bool {
	out := make(map[string]bool)
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out[topLevelProperty(e.InstanceLocation)] = true
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// topLevelProperty returns the first segment of a JSON pointer such as
// "/userIds/0". JSON pointer escapes are undone.
func topLevelProperty(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	seg, _, _ := strings.Cut(ptr, "/")
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
}
