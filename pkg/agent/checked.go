package agent

import (
	"context"
	"fmt"

	"github.com/cuemby/rgmanager/pkg/health"
	"github.com/cuemby/rgmanager/pkg/types"
)

// CheckedAgent decorates an agent so that Status also runs an application
// check. Start and Stop pass through.
type CheckedAgent struct {
	Agent
	checker health.Checker
}

// NewCheckedAgent wraps inner with the checker described by spec for group
func NewCheckedAgent(inner Agent, group string, spec types.CheckSpec) (*CheckedAgent, error) {
	checker, err := health.New(group, spec)
	if err != nil {
		return nil, err
	}
	return &CheckedAgent{Agent: inner, checker: checker}, nil
}

// Status runs the inner status action and then the check
func (c *CheckedAgent) Status(ctx context.Context, def *types.GroupDefinition) error {
	if err := c.Agent.Status(ctx, def); err != nil {
		return err
	}

	result := c.checker.Check(ctx)
	if !result.Healthy {
		return fmt.Errorf("%s check failed: %s", c.checker.Type(), result.Message)
	}
	return nil
}
