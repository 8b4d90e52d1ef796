// Package authz maps action kinds to the roles allowed to perform them.
package authz

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kanri/internal/kanri/intent"
)

// Directory roles understood by the default policy.
const (
	RoleAdmin             = "Admin"
	RoleTaskCreator       = "Task.Creator"
	RoleTaskEditor        = "Task.Editor"
	RoleTaskDeleter       = "Task.Deleter"
	RoleTaskCommenter     = "Task.Commenter"
	RoleTimeTracker       = "Task.TimeTracker"
	RoleManualTimeTracker = "Task.ManualTimeTracker"
	RoleReportSelfViewer  = "Report.SelfViewer"
	RoleReportAdminViewer = "Report.AdminViewer"
)

// Policy is an immutable table of required roles per action kind. A kind
// absent from the table is unrestricted, as is a kind mapped to an empty
// role set.
type Policy struct {
	required map[intent.Kind]map[string]bool
}

// DefaultPolicy returns the built-in role table.
func DefaultPolicy() *Policy {
	return newPolicy(map[intent.Kind][]string{
		intent.AddTask:             {RoleTaskCreator, RoleAdmin},
		intent.UpdateTaskByName:    {RoleTaskEditor, RoleAdmin},
		intent.DeleteTaskByName:    {RoleTaskDeleter, RoleAdmin},
		intent.CommentTaskByName:   {RoleTaskCommenter, RoleAdmin},
		intent.StartTaskByName:     {RoleTimeTracker, RoleAdmin},
		intent.StopTaskByName:      {RoleTimeTracker, RoleAdmin},
		intent.AddTimeToTaskByName: {RoleManualTimeTracker, RoleAdmin},
		intent.GetUserReport:       {RoleReportSelfViewer, RoleReportAdminViewer, RoleAdmin},
		intent.GetTaskReport:       {RoleReportSelfViewer, RoleReportAdminViewer, RoleAdmin},
		intent.GetOverallReport:    {RoleReportAdminViewer, RoleAdmin},
		intent.Smalltalk:           {},
		intent.Unknown:             {},
	})
}

func newPolicy(table map[intent.Kind][]string) *Policy {
	p := &Policy{required: make(map[intent.Kind]map[string]bool, len(table))}
	for kind, roles := range table {
		set := make(map[string]bool, len(roles))
		for _, r := range roles {
			set[r] = true
		}
		p.required[kind] = set
	}
	return p
}

// HasPermission reports whether a user holding roles may perform kind.
func (p *Policy) HasPermission(roles []string, kind intent.Kind) bool {
	required, mapped := p.required[kind]
	if !mapped {
		slog.Debug("authz: no policy entry, allowing", "kind", kind)
		return true
	}
	if len(required) == 0 {
		return true
	}
	for _, r := range roles {
		if required[r] {
			return true
		}
	}
	return false
}

// Required returns the roles that grant kind in lexical order, and whether
// the kind is mapped at all.
func (p *Policy) Required(kind intent.Kind) ([]string, bool) {
	set, ok := p.required[kind]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, true
}

// Override returns a copy of p with the role sets of the given kinds
// replaced. An empty slice makes a kind unrestricted.
func (p *Policy) Override(overrides map[intent.Kind][]string) *Policy {
	table := make(map[intent.Kind][]string, len(p.required)+len(overrides))
	for kind, set := range p.required {
		for r := range set {
			table[kind] = append(table[kind], r)
		}
		if _, ok := table[kind]; !ok {
			table[kind] = []string{}
		}
	}
	for kind, roles := range overrides {
		table[kind] = roles
	}
	return newPolicy(table)
}

// policyFile is the YAML shape accepted by ParsePolicy:
//
//	roles:
//	  AddTask: [Task.Creator, Admin]
//	  GetOverallReport: [Admin]
type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// ParsePolicy reads role overrides from YAML and applies them on top of the
// default policy. Kind names are matched case-insensitively; an unknown kind
// name is an error so typos do not silently leave an action open.
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("authz: parse policy: %w", err)
	}
	overrides, err := KindRoles(f.Roles)
	if err != nil {
		return nil, err
	}
	return DefaultPolicy().Override(overrides), nil
}

// KindRoles converts a name-keyed role table into a Kind-keyed one.
func KindRoles(byName map[string][]string) (map[intent.Kind][]string, error) {
	out := make(map[intent.Kind][]string, len(byName))
	for name, roles := range byName {
		kind := intent.ParseKind(name)
		if kind == intent.Unknown && !strings.EqualFold(strings.TrimSpace(name), intent.Unknown.String()) {
			return nil, fmt.Errorf("authz: unknown action kind %q", name)
		}
		if roles == nil {
			roles = []string{}
		}
		out[kind] = roles
	}
	return out, nil
}
