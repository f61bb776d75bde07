package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/rgmanager/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes of the operator commands
const (
	exitOK                      = 0
	exitError                   = 1
	exitGroupNotFound           = 2
	exitDependencyUnsatisfiable = 3
	exitNotQuorate              = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes the failures scripts need to tell apart
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, types.ErrGroupNotFound):
		return exitGroupNotFound
	case errors.Is(err, types.ErrDependencyUnsatisfiable):
		return exitDependencyUnsatisfiable
	case errors.Is(err, types.ErrNotQuorate):
		return exitNotQuorate
	default:
		return exitError
	}
}

var rootCmd = &cobra.Command{
	Use:   "rgmanager",
	Short: "rgmanager - cluster resource group manager",
	Long: `rgmanager keeps resource groups running on exactly one quorate node
of a cluster, starting them in dependency order and failing them over
when their owner leaves the membership.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rgmanager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7946", "API address of an rgmanager node")
	rootCmd.PersistentFlags().String("tls-dir", "", "Directory with ca.crt, node.crt and node.key for mTLS")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(certsCmd)
}
