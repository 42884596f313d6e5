package policy

// DefaultGroups names bundles of built-in tools so profiles can grant or
// revoke a capability area in one line. Group names use the "group:"
// prefix to distinguish them from tool names.
var DefaultGroups = map[string][]string{
	// Future-work management: deferred and recurring self-invocations.
	"group:tasks": {"schedule_task", "list_scheduled_tasks", "cancel_scheduled_task"},

	// Automation CRUD for schedules and event listeners.
	"group:automations": {
		"create_schedule_automation",
		"create_event_automation",
		"list_automations",
		"set_automation_enabled",
		"delete_automation",
	},

	// Attachment registry access.
	"group:attachments": {"list_attachments", "get_attachment"},

	// Document indexing and retrieval.
	"group:documents": {"index_document", "document_search"},

	// Script execution.
	"group:scripts": {"execute_script"},

	// Tools that only read state.
	"group:readonly": {
		"list_scheduled_tasks",
		"list_automations",
		"list_attachments",
		"get_attachment",
		"document_search",
	},
}

// ExpandGroups expands group references in a tool list to their constituent
// tools, passing plain names through and deduplicating the result.
func ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)
	for _, item := range items {
		if tools, ok := DefaultGroups[item]; ok {
			for _, tool := range tools {
				if !seen[tool] {
					seen[tool] = true
					result = append(result, tool)
				}
			}
			continue
		}
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}
