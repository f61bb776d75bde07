package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/rgmanager/pkg/agent"
	"github.com/cuemby/rgmanager/pkg/types"
	"gopkg.in/yaml.v3"
)

// GroupsFile is the resource-group definitions document
type GroupsFile struct {
	Groups []GroupSpec `yaml:"groups"`
}

// GroupSpec is one resource group as written in the definitions file
type GroupSpec struct {
	ID             string         `yaml:"id"`
	Type           string         `yaml:"type,omitempty"`
	DependsOn      []string       `yaml:"depends_on,omitempty"`
	PreferredNodes []string       `yaml:"preferred_nodes,omitempty"`
	Restricted     *bool          `yaml:"restricted,omitempty"`
	NoFailback     bool           `yaml:"nofailback,omitempty"`
	Autostart      *bool          `yaml:"autostart,omitempty"`
	Recovery       string         `yaml:"recovery,omitempty"`
	MaxRestarts    int            `yaml:"max_restarts,omitempty"`
	RestartWindow  time.Duration  `yaml:"restart_window,omitempty"`
	StopTimeout    time.Duration  `yaml:"stop_timeout,omitempty"`
	Process        *ProcessSpec   `yaml:"process,omitempty"`
	Script         string         `yaml:"script,omitempty"`
	Container      *ContainerSpec `yaml:"container,omitempty"`
	Check          *CheckSpec     `yaml:"check,omitempty"`
}

// ProcessSpec names the process backing a group
type ProcessSpec struct {
	Name    string `yaml:"name"`
	PIDFile string `yaml:"pid_file,omitempty"`
}

// ContainerSpec describes a container group
type ContainerSpec struct {
	Image  string      `yaml:"image"`
	Args   []string    `yaml:"args,omitempty"`
	Env    []string    `yaml:"env,omitempty"`
	Mounts []MountSpec `yaml:"mounts,omitempty"`
}

// MountSpec is a bind mount
type MountSpec struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	ReadOnly    bool   `yaml:"read_only,omitempty"`
}

// CheckSpec configures a status check
type CheckSpec struct {
	Type     string        `yaml:"type"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	Command  []string      `yaml:"command,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Retries  int           `yaml:"retries,omitempty"`
}

// LoadGroups reads resource-group definitions from a YAML file
func LoadGroups(path string) ([]types.GroupDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file: %w", err)
	}
	return ParseGroups(data)
}

// ParseGroups decodes resource-group definitions. Structural problems
// (unknown types, bad policies) are errors here; dependency problems are
// left to the registry, which excludes the affected groups instead of
// refusing the whole file.
func ParseGroups(data []byte) ([]types.GroupDefinition, error) {
	var file GroupsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse groups file: %w", err)
	}

	defs := make([]types.GroupDefinition, 0, len(file.Groups))
	for i, g := range file.Groups {
		def, err := g.definition()
		if err != nil {
			if g.ID == "" {
				return nil, fmt.Errorf("group #%d: %w", i+1, err)
			}
			return nil, fmt.Errorf("group %s: %w", g.ID, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (g GroupSpec) definition() (types.GroupDefinition, error) {
	def := types.GroupDefinition{
		ID:            g.ID,
		Type:          g.Type,
		DependsOn:     g.DependsOn,
		Restricted:    true,
		NoFailback:    g.NoFailback,
		Autostart:     true,
		Recovery:      types.RecoveryRestart,
		MaxRestarts:   g.MaxRestarts,
		RestartWindow: g.RestartWindow,
		StopTimeout:   g.StopTimeout,
		Script:        g.Script,
	}

	if g.ID == "" {
		return def, fmt.Errorf("id is required")
	}
	if g.Restricted != nil {
		def.Restricted = *g.Restricted
	}
	if g.Autostart != nil {
		def.Autostart = *g.Autostart
	}
	for _, n := range g.PreferredNodes {
		def.PreferredNodes = append(def.PreferredNodes, types.NodeID(n))
	}

	switch types.RecoveryPolicy(g.Recovery) {
	case "", types.RecoveryRestart:
	case types.RecoveryRelocate:
		def.Recovery = types.RecoveryRelocate
	default:
		return def, fmt.Errorf("unknown recovery policy %q", g.Recovery)
	}
	if g.MaxRestarts < 0 {
		return def, fmt.Errorf("max_restarts must not be negative")
	}

	if g.Process != nil {
		if g.Process.Name == "" {
			return def, fmt.Errorf("process.name is required")
		}
		def.Process = &types.ProcessSpec{Name: g.Process.Name, PIDFile: g.Process.PIDFile}
	}

	if g.Container != nil {
		if g.Container.Image == "" {
			return def, fmt.Errorf("container.image is required")
		}
		c := &types.ContainerSpec{Image: g.Container.Image, Args: g.Container.Args, Env: g.Container.Env}
		for _, m := range g.Container.Mounts {
			c.Mounts = append(c.Mounts, types.Mount{Source: m.Source, Destination: m.Destination, ReadOnly: m.ReadOnly})
		}
		def.Container = c
	}

	def.Type = agent.TypeOf(&def)
	if def.Type == agent.TypeScript && def.Script == "" {
		return def, fmt.Errorf("script groups require a script")
	}
	if def.Type == agent.TypeContainer && def.Container == nil {
		return def, fmt.Errorf("container groups require a container section")
	}

	if g.Check != nil {
		check := types.CheckSpec{
			Type:     types.CheckType(g.Check.Type),
			Endpoint: g.Check.Endpoint,
			Command:  g.Check.Command,
			Interval: g.Check.Interval,
			Timeout:  g.Check.Timeout,
			Retries:  g.Check.Retries,
		}
		switch check.Type {
		case types.CheckHTTP, types.CheckTCP:
			if check.Endpoint == "" {
				return def, fmt.Errorf("%s check requires an endpoint", check.Type)
			}
		case types.CheckExec:
			if len(check.Command) == 0 {
				return def, fmt.Errorf("exec check requires a command")
			}
		default:
			return def, fmt.Errorf("unknown check type %q", g.Check.Type)
		}
		def.Check = &check
	}

	return def, nil
}
