package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "rgmanager.yaml", "node:\n  id: n1\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.Node.ID)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 3, cfg.Scheduler.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Scheduler.Retry.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Retry.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Scheduler.Retry.Multiplier)
	assert.False(t, cfg.Cluster.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "rgmanager.yaml", `
node:
  id: n2
  data_dir: /var/lib/rgmanager/
api:
  addr: 0.0.0.0:7000
storage:
  backend: badger
scheduler:
  agent_timeout: 45s
  retry:
    max_attempts: 5
    initial_backoff: 250ms
reconcile:
  interval: 2s
cluster:
  enabled: true
  peers:
    - id: n1
      raft_addr: 10.0.0.1:7947
      api_addr: 10.0.0.1:7946
    - id: n2
      raft_addr: 10.0.0.2:7947
      api_addr: 10.0.0.2:7946
groups_file: /etc/rgmanager/groups.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/rgmanager", cfg.Node.DataDir)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.AgentTimeout)
	assert.Equal(t, 5, cfg.Scheduler.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, "10.0.0.2:7947", cfg.Cluster.RaftAddr, "raft address taken from the peer entry")
	assert.Len(t, cfg.Cluster.Peers, 2)
	assert.Equal(t, "/etc/rgmanager/groups.yaml", cfg.GroupsFile)

	peer, ok := cfg.Peer("n1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7946", peer.APIAddr)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "rgmanager.yaml", "node:\n  id: n1\n")
	t.Setenv("RGMANAGER_NODE_ID", "from-env")
	t.Setenv("RGMANAGER_RECONCILE_INTERVAL", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Node.ID)
	assert.Equal(t, 3*time.Second, cfg.Reconcile.Interval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no node id", mutate: func(c *Config) { c.Node.ID = "" }, wantErr: "node.id"},
		{name: "bad backend", mutate: func(c *Config) { c.Storage.Backend = "sqlite" }, wantErr: "storage.backend"},
		{name: "bad api addr", mutate: func(c *Config) { c.API.Addr = "nohost" }, wantErr: "api.addr"},
		{name: "zero attempts", mutate: func(c *Config) { c.Scheduler.Retry.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "cluster without peers", mutate: func(c *Config) { c.Cluster.Enabled = true }, wantErr: "cluster.peers"},
		{
			name: "self not a peer",
			mutate: func(c *Config) {
				c.Cluster.Enabled = true
				c.Cluster.Peers = []PeerConfig{{ID: "n9", RaftAddr: "10.0.0.9:7947"}}
			},
			wantErr: "not listed",
		},
		{
			name: "duplicate peer",
			mutate: func(c *Config) {
				c.Cluster.Enabled = true
				c.Cluster.Peers = []PeerConfig{{ID: "n1", RaftAddr: "a:1"}, {ID: "n1", RaftAddr: "b:1"}}
			},
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Node.ID = "n1"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseGroups(t *testing.T) {
	defs, err := ParseGroups([]byte(`
groups:
  - id: db
    script: /etc/rgmanager/agents/postgres.sh
    preferred_nodes: [n1, n2, n3]
    process:
      name: postgres
      pid_file: /var/run/postgres.pid
    max_restarts: 3
    restart_window: 10m
  - id: web
    depends_on: [db]
    preferred_nodes: [n1, n2]
    restricted: false
    nofailback: true
    autostart: false
    recovery: relocate
    container:
      image: docker.io/library/nginx:1.27
      mounts:
        - source: /srv/www
          destination: /usr/share/nginx/html
          read_only: true
    check:
      type: http
      endpoint: http://127.0.0.1:80/
      interval: 5s
      retries: 2
`))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	db := defs[0]
	assert.Equal(t, "db", db.ID)
	assert.Equal(t, "script", db.Type)
	assert.Equal(t, []types.NodeID{"n1", "n2", "n3"}, db.PreferredNodes)
	assert.True(t, db.Restricted, "restricted by default")
	assert.True(t, db.Autostart, "autostart by default")
	assert.Equal(t, types.RecoveryRestart, db.Recovery)
	assert.Equal(t, 3, db.MaxRestarts)
	assert.Equal(t, 10*time.Minute, db.RestartWindow)
	require.NotNil(t, db.Process)
	assert.Equal(t, "/var/run/postgres.pid", db.Process.PIDFile)

	web := defs[1]
	assert.Equal(t, "container", web.Type)
	assert.Equal(t, []string{"db"}, web.DependsOn)
	assert.False(t, web.Restricted)
	assert.True(t, web.NoFailback)
	assert.False(t, web.Autostart)
	assert.Equal(t, types.RecoveryRelocate, web.Recovery)
	require.NotNil(t, web.Container)
	assert.Equal(t, []types.Mount{{Source: "/srv/www", Destination: "/usr/share/nginx/html", ReadOnly: true}}, web.Container.Mounts)
	require.NotNil(t, web.Check)
	assert.Equal(t, types.CheckHTTP, web.Check.Type)
	assert.Equal(t, 5*time.Second, web.Check.Interval)
}

func TestParseGroupsErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "missing id", yaml: "groups:\n  - script: x\n", wantErr: "group #1: id is required"},
		{name: "script group without script", yaml: "groups:\n  - id: a\n", wantErr: "require a script"},
		{name: "bad recovery", yaml: "groups:\n  - id: a\n    script: x\n    recovery: pray\n", wantErr: "recovery policy"},
		{name: "bad check", yaml: "groups:\n  - id: a\n    script: x\n    check:\n      type: ping\n", wantErr: "check type"},
		{name: "http check without endpoint", yaml: "groups:\n  - id: a\n    script: x\n    check:\n      type: http\n", wantErr: "endpoint"},
		{name: "container without image", yaml: "groups:\n  - id: a\n    container: {}\n", wantErr: "image"},
		{name: "process without name", yaml: "groups:\n  - id: a\n    script: x\n    process: {}\n", wantErr: "process.name"},
		{name: "not yaml", yaml: "groups: [", wantErr: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGroups([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseGroupsLeavesDependencyErrorsToRegistry(t *testing.T) {
	defs, err := ParseGroups([]byte("groups:\n  - id: a\n    script: x\n    depends_on: [ghost]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, defs[0].DependsOn)
}

func TestLoadGroups(t *testing.T) {
	path := writeFile(t, "groups.yaml", "groups:\n  - id: a\n    script: /bin/true\n")
	defs, err := LoadGroups(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	_, err = LoadGroups(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNodeAddresses(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "n1"
	assert.Equal(t, map[string]string{"n1": "127.0.0.1:7946"}, cfg.NodeAddresses())
	assert.False(t, cfg.DNS.Enabled)
	assert.Equal(t, "rgmanager", cfg.DNS.Domain)

	cfg.Cluster.Enabled = true
	cfg.Cluster.Peers = []PeerConfig{
		{ID: "n1", RaftAddr: "10.0.0.1:7947", APIAddr: "10.0.0.1:7946"},
		{ID: "n2", RaftAddr: "10.0.0.2:7947"},
	}
	cfg.DNS.Addresses = map[string]string{"n2": "192.168.1.2"}

	assert.Equal(t, map[string]string{
		"n1": "10.0.0.1:7946",
		"n2": "192.168.1.2",
	}, cfg.NodeAddresses())
}
