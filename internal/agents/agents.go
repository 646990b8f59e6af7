// Package agents provides the roster of agents eligible for matches.  The
// orchestrator only reads it; registering and retiring agents happens
// elsewhere.
package agents

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// Agent is an entrant in the roster.  Image is the built agent image the
// match provisions; the agent's reachable endpoint is known only once its
// resource is running.
type Agent struct {
	ID    string `json:"id" yaml:"id" bson:"id"`
	Image string `json:"image" yaml:"image" bson:"image"`
}

// Repository lists the agents that may be drawn into a match.
type Repository interface {
	ListActiveAgents(ctx context.Context) ([]Agent, error)
}

// Static is a fixed roster, typically loaded from configuration.
type Static struct {
	agents []Agent
}

// Compile-time check.
var _ Repository = (*Static)(nil)

// NewStatic validates and returns a fixed roster.
func NewStatic(roster []Agent) (*Static, error) {
	seen := make(map[string]bool, len(roster))
	for i, a := range roster {
		if a.ID == "" || a.Image == "" {
			return nil, fmt.Errorf("agent %d: id and image are required", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent %q listed twice", a.ID)
		}
		seen[a.ID] = true
	}
	out := slices.Clone(roster)
	slices.SortFunc(out, func(a, b Agent) int { return cmp.Compare(a.ID, b.ID) })
	return &Static{agents: out}, nil
}

func (s *Static) ListActiveAgents(context.Context) ([]Agent, error) {
	return slices.Clone(s.agents), nil
}

// Index returns the roster keyed by agent id.
func Index(roster []Agent) map[string]Agent {
	out := make(map[string]Agent, len(roster))
	for _, a := range roster {
		out[a.ID] = a
	}
	return out
}
