package policy

import (
	"sort"
	"strings"
	"sync"
)

// Resolver expands group and MCP references and answers allow/deny
// questions for a policy. Safe for concurrent use; remote tool discovery
// registers servers while turns are running.
type Resolver struct {
	mu         sync.RWMutex
	groups     map[string][]string
	mcpServers map[string][]string // server name -> wire tool names
}

// NewResolver creates a resolver seeded with the default groups.
func NewResolver() *Resolver {
	r := &Resolver{
		groups:     make(map[string][]string, len(DefaultGroups)),
		mcpServers: make(map[string][]string),
	}
	for name, tools := range DefaultGroups {
		r.groups[name] = append([]string(nil), tools...)
	}
	return r
}

// AddGroup registers a custom tool group.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = append([]string(nil), tools...)
}

// RegisterMCPServer records the wire names an MCP server serves, making
// "mcp:<server>", "mcp:<server>.*", and "mcp:*" expandable.
func (r *Resolver) RegisterMCPServer(server string, wireNames []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := append([]string(nil), wireNames...)
	r.mcpServers[server] = names
	r.groups["mcp:"+server] = names
}

// Expand resolves group references and MCP patterns into concrete tool
// names, deduplicated, preserving first-seen order. Unresolvable entries
// pass through unchanged.
func (r *Resolver) Expand(items []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}
	for _, item := range items {
		normalized := Normalize(item)
		if tools, ok := r.groups[normalized]; ok {
			for _, tool := range tools {
				add(tool)
			}
			continue
		}
		if normalized == "mcp:*" {
			servers := make([]string, 0, len(r.mcpServers))
			for server := range r.mcpServers {
				servers = append(servers, server)
			}
			sort.Strings(servers)
			for _, server := range servers {
				for _, tool := range r.mcpServers[server] {
					add(tool)
				}
			}
			continue
		}
		if strings.HasPrefix(normalized, "mcp:") && strings.HasSuffix(normalized, ".*") {
			server := strings.TrimSuffix(strings.TrimPrefix(normalized, "mcp:"), ".*")
			if tools, ok := r.mcpServers[server]; ok {
				for _, tool := range tools {
					add(tool)
				}
				continue
			}
		}
		add(normalized)
	}
	return result
}

// IsAllowed reports whether the policy permits the named tool. A nil policy
// permits everything.
func (r *Resolver) IsAllowed(p *Policy, toolName string) bool {
	if p == nil {
		return true
	}
	if p.DenyAll {
		return false
	}
	name := Normalize(toolName)

	for _, d := range r.Expand(p.Deny) {
		if d == name {
			return false
		}
	}

	if p.Allow == nil {
		return true
	}
	for _, a := range r.Expand(p.Allow) {
		if a == name {
			return true
		}
	}
	return false
}

// FilterNames returns the subset of names the policy allows, in order.
func (r *Resolver) FilterNames(p *Policy, names []string) []string {
	var result []string
	for _, name := range names {
		if r.IsAllowed(p, name) {
			result = append(result, name)
		}
	}
	return result
}

// Groups returns the registered group names, sorted.
func (r *Resolver) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
