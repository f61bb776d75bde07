package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/rgmanager/pkg/api"
	"github.com/cuemby/rgmanager/pkg/client"
	"github.com/cuemby/rgmanager/pkg/cluster"
	"github.com/cuemby/rgmanager/pkg/config"
	"github.com/cuemby/rgmanager/pkg/dns"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/manager"
	"github.com/cuemby/rgmanager/pkg/metrics"
	"github.com/cuemby/rgmanager/pkg/reconciler"
	"github.com/cuemby/rgmanager/pkg/scheduler"
	"github.com/cuemby/rgmanager/pkg/security"
	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the rgmanager daemon",
	Long: `Run the rgmanager daemon on this node.

Without cluster.enabled the node runs standalone as the only member of a
quorate membership. With it, the node joins the static raft peer set in
cluster.peers and follows the membership the raft leader commits.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Config file (default ./rgmanager.yaml or /etc/rgmanager/rgmanager.yaml)")
	runCmd.Flags().StringP("groups", "g", "", "Group definitions file (overrides groups_file)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	groupsPath, _ := cmd.Flags().GetString("groups")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if groupsPath != "" {
		cfg.GroupsFile = groupsPath
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Logging.Level),
		JSONOutput: cfg.Logging.Format == "json",
	})
	metrics.SetVersion(Version)
	logger := log.WithNodeID(cfg.Node.ID)

	var groups []types.GroupDefinition
	if cfg.GroupsFile != "" {
		groups, err = config.LoadGroups(cfg.GroupsFile)
		if err != nil {
			return err
		}
	}

	forwarder := client.NewForwarder(cfg.API.TLSDir)
	defer forwarder.Close()

	mgr, err := manager.NewManager(managerConfig(cfg, groups), manager.WithForwarder(forwarder))
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	for _, cerr := range mgr.ConfigErrors() {
		logger.Warn().Err(cerr).Msg("Group excluded by configuration")
	}
	mgr.Start()

	var opts []grpc.ServerOption
	if cfg.API.TLSDir != "" {
		tlsConfig, err := security.ServerTLSConfig(cfg.API.TLSDir)
		if err != nil {
			shutdownManager(mgr)
			return fmt.Errorf("failed to load server certificates: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	apiServer := api.NewServer(mgr, opts...)
	healthServer := api.NewHealthServer(mgr)

	errCh := make(chan error, 3)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	if cfg.API.HealthAddr != "" {
		go func() {
			if err := healthServer.Start(cfg.API.HealthAddr); err != nil {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()
	}

	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer = dns.NewServer(mgr, dns.NodeAddresses(nodeAddresses(cfg)), &dns.Config{
			ListenAddr: cfg.DNS.ListenAddr,
			Domain:     cfg.DNS.Domain,
			Upstream:   cfg.DNS.Upstream,
		})
		if err := dnsServer.Start(); err != nil {
			errCh <- fmt.Errorf("DNS server error: %w", err)
		}
	}

	logger.Info().
		Str("api", cfg.API.Addr).
		Str("health", cfg.API.HealthAddr).
		Bool("clustered", cfg.Cluster.Enabled).
		Int("groups", len(groups)).
		Msg("rgmanager running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down")
	}

	if dnsServer != nil {
		_ = dnsServer.Stop()
	}
	apiServer.Stop()
	_ = healthServer.Close()
	if err := shutdownManager(mgr); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func shutdownManager(mgr *manager.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return nil
}

// managerConfig translates the daemon configuration
func managerConfig(cfg *config.Config, groups []types.GroupDefinition) *manager.Config {
	mc := &manager.Config{
		NodeID:         types.NodeID(cfg.Node.ID),
		DataDir:        cfg.Node.DataDir,
		StorageBackend: cfg.Storage.Backend,
		ProcRoot:       cfg.Node.ProcRoot,
		Groups:         groups,
		Scheduler: scheduler.Config{
			AgentTimeout:    cfg.Scheduler.AgentTimeout,
			RelocationDelay: cfg.Scheduler.RelocationDelay,
			Retry: scheduler.RetryPolicy{
				MaxAttempts:    cfg.Scheduler.Retry.MaxAttempts,
				InitialBackoff: cfg.Scheduler.Retry.InitialBackoff,
				MaxBackoff:     cfg.Scheduler.Retry.MaxBackoff,
				Multiplier:     cfg.Scheduler.Retry.Multiplier,
			},
		},
		Reconcile: reconciler.Config{
			Interval:   cfg.Reconcile.Interval,
			MaxResults: cfg.Reconcile.MaxResults,
		},
	}
	if cfg.Containerd.Enabled {
		mc.ContainerdSocket = cfg.Containerd.Socket
	}

	if cfg.Cluster.Enabled {
		cc := &cluster.Config{
			NodeID:           mc.NodeID,
			RaftAddr:         cfg.Cluster.RaftAddr,
			DataDir:          cfg.Node.DataDir,
			HeartbeatTimeout: cfg.Cluster.HeartbeatTimeout,
		}
		for _, p := range cfg.Cluster.Peers {
			cc.Peers = append(cc.Peers, cluster.Peer{
				ID:       types.NodeID(p.ID),
				RaftAddr: p.RaftAddr,
				APIAddr:  p.APIAddr,
			})
		}
		mc.Cluster = cc
	}
	return mc
}

func nodeAddresses(cfg *config.Config) map[types.NodeID]string {
	out := make(map[types.NodeID]string)
	for id, addr := range cfg.NodeAddresses() {
		out[types.NodeID(id)] = addr
	}
	return out
}
