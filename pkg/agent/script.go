package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/rgmanager/pkg/health"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/rs/zerolog"
)

// TypeScript is the group type served by ScriptAgent
const TypeScript = "script"

const (
	maxScriptOutput = 256

	// scriptWaitDelay bounds how long a cancelled script's children may
	// hold its output pipe open
	scriptWaitDelay = 2 * time.Second
)

// ScriptAgent runs "<script> start|stop|status" for a group. A zero exit
// status is success.
type ScriptAgent struct {
	nodeID types.NodeID
	logger zerolog.Logger
}

// NewScriptAgent creates a script agent running on nodeID
func NewScriptAgent(nodeID types.NodeID) *ScriptAgent {
	return &ScriptAgent{
		nodeID: nodeID,
		logger: log.WithComponent("agent.script"),
	}
}

// Start runs the start action
func (s *ScriptAgent) Start(ctx context.Context, def *types.GroupDefinition) error {
	return s.run(ctx, def, ActionStart)
}

// Stop runs the stop action
func (s *ScriptAgent) Stop(ctx context.Context, def *types.GroupDefinition) error {
	return s.run(ctx, def, ActionStop)
}

// Status runs the status action
func (s *ScriptAgent) Status(ctx context.Context, def *types.GroupDefinition) error {
	return s.run(ctx, def, ActionStatus)
}

func (s *ScriptAgent) run(ctx context.Context, def *types.GroupDefinition, action Action) error {
	if def.Script == "" {
		return fmt.Errorf("group %s has no script", def.ID)
	}

	cmd := exec.CommandContext(ctx, def.Script, string(action))
	cmd.WaitDelay = scriptWaitDelay
	cmd.Env = append(cmd.Environ(),
		"RG_GROUP="+def.ID,
		"RG_NODE="+string(s.nodeID),
		"RG_ACTION="+string(action),
	)
	if def.Process != nil {
		cmd.Env = append(cmd.Env, "RG_PROCESS="+def.Process.Name)
		if def.Process.PIDFile != "" {
			cmd.Env = append(cmd.Env, "RG_PIDFILE="+def.Process.PIDFile)
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	s.logger.Debug().
		Str("group", def.ID).
		Str("action", string(action)).
		Str("script", def.Script).
		Msg("Running resource script")

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(out.String())
		if output != "" {
			return fmt.Errorf("%s %s: %w: %s", def.Script, action, err, health.Truncate(output, maxScriptOutput))
		}
		return fmt.Errorf("%s %s: %w", def.Script, action, err)
	}
	return nil
}
