// Package identity manages principals and the things that hang off them:
// agents, engines, and capability tokens. Engine authentication is a
// signed JWT minted at engine registration; agent permissions are the
// union of the agent principal's active capability tokens.
package identity

import (
	"strings"
	"time"

	"github.com/crewplane/core/pkg/contracts"
)

// Principal is any identity capable of holding capability tokens.
type Principal struct {
	PrincipalID string              `json:"principal_id"`
	WorkspaceID string              `json:"workspace_id"`
	Type        contracts.ActorType `json:"type"`
	DisplayName string              `json:"display_name,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	RevokedAt   *time.Time          `json:"revoked_at,omitempty"`
}

// Agent is a principal of type agent with quarantine state.
type Agent struct {
	AgentID          string     `json:"agent_id"`
	WorkspaceID      string     `json:"workspace_id"`
	PrincipalID      string     `json:"principal_id"`
	DisplayName      string     `json:"display_name"`
	CreatedAt        time.Time  `json:"created_at"`
	QuarantinedAt    *time.Time `json:"quarantined_at,omitempty"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}

// Quarantined reports whether the agent is currently quarantined.
func (a *Agent) Quarantined() bool { return a.QuarantinedAt != nil }

// Engine is a registered execution service holding its own principal.
type Engine struct {
	EngineID      string     `json:"engine_id"`
	WorkspaceID   string     `json:"workspace_id"`
	PrincipalID   string     `json:"principal_id"`
	Name          string     `json:"name"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Scopes is the permission surface a capability token grants.
type Scopes struct {
	Rooms         []string `json:"rooms,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	ActionTypes   []string `json:"action_types,omitempty"`
	EgressDomains []string `json:"egress_domains,omitempty"`
	DataRead      bool     `json:"data_read,omitempty"`
	DataWrite     bool     `json:"data_write,omitempty"`
}

// Union merges another scope set into a copy of s.
func (s Scopes) Union(other Scopes) Scopes {
	return Scopes{
		Rooms:         mergeUnique(s.Rooms, other.Rooms),
		Tools:         mergeUnique(s.Tools, other.Tools),
		ActionTypes:   mergeUnique(s.ActionTypes, other.ActionTypes),
		EgressDomains: mergeUnique(s.EgressDomains, other.EgressDomains),
		DataRead:      s.DataRead || other.DataRead,
		DataWrite:     s.DataWrite || other.DataWrite,
	}
}

// HasRoom reports whether the scope covers the room. An empty room list
// grants no rooms; the wildcard "*" grants all.
func (s Scopes) HasRoom(roomID string) bool { return contains(s.Rooms, roomID) }

// HasTool reports whether the scope covers the tool.
func (s Scopes) HasTool(tool string) bool { return contains(s.Tools, tool) }

// HasActionType reports whether the scope covers the action type.
func (s Scopes) HasActionType(actionType string) bool { return contains(s.ActionTypes, actionType) }

// HasEgressDomain reports whether the scope covers the domain, including
// "*.example.com" suffix grants.
func (s Scopes) HasEgressDomain(domain string) bool {
	for _, d := range s.EgressDomains {
		if d == "*" || d == domain {
			return true
		}
		if suffix, ok := strings.CutPrefix(d, "*."); ok && strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}

func mergeUnique(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// CapabilityToken grants scopes to a principal.
type CapabilityToken struct {
	TokenID             string     `json:"token_id"`
	WorkspaceID         string     `json:"workspace_id"`
	PrincipalID         string     `json:"principal_id"`
	IssuedByPrincipalID string     `json:"issued_by_principal_id,omitempty"`
	Scopes              Scopes     `json:"scopes"`
	ValidUntil          *time.Time `json:"valid_until,omitempty"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty"`
	ParentTokenID       string     `json:"parent_token_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ValidAt reports the token validity rule: the holding principal is not
// revoked, the token is not revoked, and it has not expired.
func (t *CapabilityToken) ValidAt(now time.Time, principalRevoked bool) bool {
	if principalRevoked || t.RevokedAt != nil {
		return false
	}
	return t.ValidUntil == nil || t.ValidUntil.After(now)
}
