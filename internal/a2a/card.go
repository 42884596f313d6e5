package a2a

import (
	"sort"

	"github.com/stewardhq/steward/internal/config"
)

// BuildCard derives the agent card from the server configuration. Skills
// mirror the configured processing profiles, sorted by id for a stable
// document.
func BuildCard(server config.ServerConfig, profiles map[string]config.ProfileConfig) AgentCard {
	url := server.PublicURL
	if url == "" {
		url = "http://" + server.Addr
	}
	description := server.AgentDescription
	if description == "" {
		description = "Personal assistant automation engine"
	}

	skills := make([]AgentSkill, 0, len(profiles))
	for id, profile := range profiles {
		name := id
		if profile.Description != "" {
			name = profile.Description
		}
		skills = append(skills, AgentSkill{
			ID:          id,
			Name:        name,
			Description: profile.Description,
			Tags:        []string{"chat"},
		})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })

	return AgentCard{
		Name:        server.AgentName,
		Description: description,
		URL:         url,
		Version:     server.AgentVersion,
		Capabilities: AgentCapabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: true,
		},
		Skills:             skills,
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"text/plain"},
	}
}
