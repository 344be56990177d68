// Package auth authenticates API callers as agents.
package auth

// RoleAdmin may act on behalf of any agent and manage the registry.
const RoleAdmin = "admin"

// Principal is the agent making a request.
type Principal struct {
	AgentID string
	Roles   []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin is shorthand for HasRole(RoleAdmin).
func (p *Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}

// CanActAs reports whether the principal may act as agentID.
func (p *Principal) CanActAs(agentID string) bool {
	return p.AgentID == agentID || p.IsAdmin()
}
