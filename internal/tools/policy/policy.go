// Package policy decides which tools a profile may see and execute. A
// Policy carries allow/deny lists whose entries are tool names, group
// references ("group:..."), or MCP server patterns ("mcp:<server>",
// "mcp:<server>.*", "mcp:*"); a Resolver expands those references against
// the registered groups and servers. Denial always wins over allowance.
//
// Remote tools are referenced by their wire name (<server>_<tool>); the
// mcp: patterns expand to wire names once the server has registered.
package policy

import "strings"

// Policy is the per-profile tool filter.
//
// Allow semantics follow the profile configuration: a nil list allows every
// tool, a non-nil list allows only its members, and an empty non-nil list
// denies everything. DenyAll overrides both lists.
type Policy struct {
	Allow   []string
	Deny    []string
	DenyAll bool
}

// Normalize canonicalizes a tool name for comparison.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
