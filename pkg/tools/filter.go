package tools

import (
	"strings"
)

// mutatingVerbs disqualify a tool whose name or description contains
// any of them, whatever the allowlist says.
var mutatingVerbs = []string{
	"create",
	"update",
	"delete",
	"publish",
	"unpublish",
	"merge",
	"import",
	"write",
	"remove",
	"upload",
	"set_",
	"deploy",
}

// bulkGetAllowlist is the fixed set of read-only bulk retrieval
// operations the pipeline is willing to run. Membership here is
// necessary but not sufficient; the verb check still applies.
var bulkGetAllowlist = map[string]bool{
	"get_all_content_types": true,
	"get_content_type":      true,
	"get_all_entries":       true,
	"get_all_assets":        true,
	"get_all_environments":  true,
	"get_all_releases":      true,
}

// FilterReadOnly reduces an advertised tool list to the safe subset.
// A tool survives only when its name and description are free of
// mutating verbs and its name is on the bulk-get allowlist. The double
// check guards against a compromised tool source advertising a
// destructive capability under an allowlisted-looking name.
func FilterReadOnly(advertised []Tool) []Tool {
	safe := make([]Tool, 0, len(advertised))
	for _, tool := range advertised {
		if !bulkGetAllowlist[tool.Name] {
			continue
		}
		if containsMutatingVerb(tool.Name) || containsMutatingVerb(tool.Description) {
			continue
		}
		safe = append(safe, tool)
	}
	return safe
}

func containsMutatingVerb(s string) bool {
	lower := strings.ToLower(s)
	for _, verb := range mutatingVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

// Names returns the tool names in order.
func Names(list []Tool) []string {
	names := make([]string, len(list))
	for i, tool := range list {
		names[i] = tool.Name
	}
	return names
}

// ByName reports whether name is present in list.
func ByName(list []Tool, name string) bool {
	for _, tool := range list {
		if tool.Name == name {
			return true
		}
	}
	return false
}
