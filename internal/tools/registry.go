// Package tools maintains the catalog of tool definitions and their
// risk classification. Every tool an agent run may invoke is either
// safe or privileged; privileged tools require an approval decision
// before the call leaves the process.
package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// Def describes a tool an agent run can invoke through a backend.
type Def struct {
	Name        string
	Description string
	Tier        v1alpha1.RiskTier
}

// Builtin holds the tool definitions ironclaw knows about out of the
// box. Backends may offer a subset of these, or tools of their own;
// unknown tools are classified by name.
var Builtin = map[string]Def{
	"read_file":   {Name: "read_file", Description: "Read a file from disk", Tier: v1alpha1.TierSafe},
	"list_files":  {Name: "list_files", Description: "List files in a directory", Tier: v1alpha1.TierSafe},
	"search_code": {Name: "search_code", Description: "Search for patterns in code", Tier: v1alpha1.TierSafe},
	"write_file":  {Name: "write_file", Description: "Write content to a file", Tier: v1alpha1.TierPrivileged},
	"run_command": {Name: "run_command", Description: "Execute a shell command", Tier: v1alpha1.TierPrivileged},
	"delete_file": {Name: "delete_file", Description: "Delete a file from disk", Tier: v1alpha1.TierPrivileged},
	"http_get":    {Name: "http_get", Description: "Fetch a URL over HTTP", Tier: v1alpha1.TierSafe},
}

// privilegedPrefixes marks tool name prefixes that imply mutation.
// Tools with no declared tier and no builtin entry fall back to this
// classification, erring on the privileged side for anything that
// sounds like it writes.
var privilegedPrefixes = []string{
	"write", "delete", "remove", "run", "exec", "spawn",
	"kill", "create", "update", "patch", "move", "chmod",
	"install", "push", "deploy",
}

// Classify returns the risk tier for a tool name with no declared
// tier. Builtin tools use their registered tier; unknown names are
// privileged when the name suggests mutation, safe otherwise.
func Classify(name string) v1alpha1.RiskTier {
	if def, ok := Builtin[name]; ok {
		return def.Tier
	}
	lower := strings.ToLower(name)
	for _, prefix := range privilegedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return v1alpha1.TierPrivileged
		}
	}
	return v1alpha1.TierSafe
}

// Registry is the resolved tool set for a single agent run: the
// intersection of what the run requested and what its backend offers,
// with every entry carrying a definite tier.
type Registry struct {
	defs map[string]Def
}

// Resolve builds the run's tool registry from the backend's offerings.
// Offerings with an explicit tier keep it; untiered offerings are
// classified by name. Every requested tool must be offered by the
// backend, otherwise the run cannot be scheduled there.
func Resolve(requested []string, offered []v1alpha1.ToolOffering) (*Registry, error) {
	byName := make(map[string]v1alpha1.ToolOffering, len(offered))
	for _, o := range offered {
		byName[o.Name] = o
	}

	defs := make(map[string]Def, len(requested))
	for _, name := range requested {
		o, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("tool %q not offered by backend", name)
		}
		tier := o.Tier
		if tier == "" {
			tier = Classify(o.Name)
		}
		desc := o.Description
		if desc == "" {
			if b, ok := Builtin[o.Name]; ok {
				desc = b.Description
			}
		}
		defs[name] = Def{Name: o.Name, Description: desc, Tier: tier}
	}
	return &Registry{defs: defs}, nil
}

// Lookup returns the definition for name and whether it is in the set.
func (r *Registry) Lookup(name string) (Def, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Has reports whether name is in the run's tool set.
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Names returns the tool names in the set, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tools in the set.
func (r *Registry) Len() int {
	return len(r.defs)
}
