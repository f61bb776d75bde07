package main

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/api"
	"github.com/cuemby/rgmanager/pkg/config"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("ghost: %w", types.ErrGroupNotFound), exitGroupNotFound},
		{types.ErrDependencyUnsatisfiable, exitDependencyUnsatisfiable},
		{types.ErrNotQuorate, exitNotQuorate},
		{types.ErrGroupFrozen, exitError},
		{errors.New("connection refused"), exitError},
		// as returned by the client after a round trip
		{api.FromStatus(api.ToStatus(types.ErrNotQuorate)), exitNotQuorate},
		{api.FromStatus(api.ToStatus(fmt.Errorf("web: %w", types.ErrDependencyUnsatisfiable))), exitDependencyUnsatisfiable},
		// enable of a group excluded for a broken dependency
		{fmt.Errorf("cache: %w: %w", types.ErrGroupExcluded, types.ErrDependencyUnsatisfiable), exitDependencyUnsatisfiable},
		{api.FromStatus(api.ToStatus(fmt.Errorf("cache: %w: %w", types.ErrGroupExcluded, types.ErrDependencyUnsatisfiable))), exitDependencyUnsatisfiable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestPrintStatus(t *testing.T) {
	color.NoColor = true
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	m := api.Membership{
		MembershipSnapshot: types.MembershipSnapshot{
			Quorate:     true,
			MemberCount: 2,
			Members:     []types.NodeID{"n1", "n2"},
			Generation:  4,
		},
		NodeID: "n2",
		Leader: "n1",
	}
	list := api.GroupList{
		Groups: []types.GroupStatus{
			{ID: "web", State: types.GroupStateStarted, Owner: "n2", Enabled: true, Restarts: 1, UpdatedAt: now.Add(-3 * time.Minute)},
			{ID: "db", State: types.GroupStateStopped, Frozen: true},
		},
		ConfigErrors: []string{"cache: depends on undefined group ghost"},
	}

	var buf bytes.Buffer
	printStatus(&buf, m, list, now)
	out := buf.String()

	assert.Contains(t, out, "Member Status: Quorate (generation 4, 2 members)")
	assert.Regexp(t, `n1\s+Online, Leader`, out)
	assert.Regexp(t, `n2\s+Online, Local`, out)
	assert.Regexp(t, `db\s+\(none\)\s+stopped\s+disabled,frozen\s+-`, out)
	assert.Regexp(t, `web\s+n2\s+started\s+restarts=1\s+3 minutes ago`, out)
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("db ")), bytes.Index(buf.Bytes(), []byte("web ")), "groups sorted by id")
	assert.Contains(t, out, "config: cache: depends on undefined group ghost")

	buf.Reset()
	printStatus(&buf, api.Membership{}, api.GroupList{}, now)
	assert.Contains(t, buf.String(), "Inquorate")
}

func TestParseNodeSpec(t *testing.T) {
	id, dns, ips := parseNodeSpec("n1=10.0.0.1, node1.local,localhost")
	assert.Equal(t, "n1", id)
	assert.Equal(t, []string{"localhost", "node1.local"}, dns)
	require.Len(t, ips, 2)
	assert.True(t, ips[1].Equal(net.ParseIP("10.0.0.1")))

	id, dns, ips = parseNodeSpec("n2")
	assert.Equal(t, "n2", id)
	assert.Equal(t, []string{"localhost"}, dns)
	assert.Len(t, ips, 1)
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "n2"
	cfg.Containerd.Enabled = true
	cfg.Cluster.Enabled = true
	cfg.Cluster.RaftAddr = ""
	cfg.Cluster.Peers = []config.PeerConfig{
		{ID: "n1", RaftAddr: "10.0.0.1:7947", APIAddr: "10.0.0.1:7946"},
		{ID: "n2", RaftAddr: "10.0.0.2:7947", APIAddr: "10.0.0.2:7946"},
	}
	require.NoError(t, cfg.Validate())

	groups := []types.GroupDefinition{{ID: "db", Script: "/bin/true"}}
	mc := managerConfig(cfg, groups)

	assert.Equal(t, types.NodeID("n2"), mc.NodeID)
	assert.Equal(t, groups, mc.Groups)
	assert.Equal(t, cfg.Containerd.Socket, mc.ContainerdSocket)
	assert.Equal(t, cfg.Scheduler.Retry.MaxAttempts, mc.Scheduler.Retry.MaxAttempts)
	assert.Equal(t, cfg.Reconcile.Interval, mc.Reconcile.Interval)

	require.NotNil(t, mc.Cluster)
	assert.Equal(t, "10.0.0.2:7947", mc.Cluster.RaftAddr)
	require.Len(t, mc.Cluster.Peers, 2)
	assert.Equal(t, "10.0.0.1:7946", mc.Cluster.Peers[0].APIAddr)

	cfg.Cluster.Enabled = false
	cfg.Containerd.Enabled = false
	mc = managerConfig(cfg, nil)
	assert.Nil(t, mc.Cluster)
	assert.Empty(t, mc.ContainerdSocket)
}
