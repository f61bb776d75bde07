package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/types"
)

// Action is one of the resource agent operations
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionStatus Action = "status"
)

// Agent starts, stops and checks the service behind a resource group.
// Implementations must honor ctx cancellation.
type Agent interface {
	Start(ctx context.Context, def *types.GroupDefinition) error
	Stop(ctx context.Context, def *types.GroupDefinition) error
	Status(ctx context.Context, def *types.GroupDefinition) error
}

// Invoke runs action on a and records the outcome in metrics
func Invoke(ctx context.Context, a Agent, action Action, def *types.GroupDefinition) error {
	timer := metrics.NewTimer()

	var err error
	switch action {
	case ActionStart:
		err = a.Start(ctx, def)
	case ActionStop:
		err = a.Stop(ctx, def)
	case ActionStatus:
		err = a.Status(ctx, def)
	default:
		err = fmt.Errorf("unknown agent action %q", action)
	}

	timer.ObserveDurationVec(metrics.AgentDuration, string(action))
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.AgentInvocationsTotal.WithLabelValues(string(action), result).Inc()

	return err
}

// Catalog resolves a group definition to the agent for its type
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{agents: make(map[string]Agent)}
}

// Register binds an agent to a group type, replacing any previous binding
func (c *Catalog) Register(groupType string, a Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[groupType] = a
}

// Types returns the registered group types
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.agents))
	for t := range c.agents {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the agent for def. Without an explicit type, a group
// with a container spec is a container group and anything else a script
// group.
func (c *Catalog) Resolve(def *types.GroupDefinition) (Agent, error) {
	groupType := TypeOf(def)

	c.mu.RLock()
	a, ok := c.agents[groupType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no resource agent for type %q (group %s)", groupType, def.ID)
	}

	if def.Check != nil {
		return NewCheckedAgent(a, def.ID, *def.Check)
	}
	return a, nil
}

// TypeOf returns the effective agent type of def
func TypeOf(def *types.GroupDefinition) string {
	switch {
	case def.Type != "":
		return def.Type
	case def.Container != nil:
		return TypeContainer
	default:
		return TypeScript
	}
}
