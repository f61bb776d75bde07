package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/cuemby/rgmanager/pkg/security"
	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage mTLS certificates for the API",
}

var certsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a cluster CA and certificates for every node and the CLI",
	Long: `Create a cluster CA and issue certificates.

Each --node entry is ID or ID=HOST[,HOST...]; hosts become DNS or IP
subject alternative names. The output directory receives:

  <dir>/ca/           CA certificate and key (keep private)
  <dir>/<node-id>/    ca.crt, node.crt, node.key for api.tls_dir
  <dir>/cli/          ca.crt, node.crt, node.key for --tls-dir

Example:
  rgmanager certs init --dir ./certs --node n1=10.0.0.1 --node n2=10.0.0.2`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		nodes, _ := cmd.Flags().GetStringArray("node")
		if len(nodes) == 0 {
			return fmt.Errorf("at least one --node is required")
		}

		ca := security.NewCertAuthority()
		if err := ca.Initialize(); err != nil {
			return err
		}
		if err := ca.SaveToDir(filepath.Join(dir, "ca")); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, spec := range nodes {
			id, dnsNames, ips := parseNodeSpec(spec)
			cert, err := ca.IssueNodeCertificate(id, dnsNames, ips)
			if err != nil {
				return fmt.Errorf("failed to issue certificate for %s: %w", id, err)
			}
			if err := writeBundle(ca, filepath.Join(dir, id), cert); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Node %s: %s\n", id, filepath.Join(dir, id))
		}

		cert, err := ca.IssueClientCertificate("admin")
		if err != nil {
			return fmt.Errorf("failed to issue CLI certificate: %w", err)
		}
		if err := writeBundle(ca, filepath.Join(dir, "cli"), cert); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ CLI: %s\n", filepath.Join(dir, "cli"))
		return nil
	},
}

func init() {
	certsInitCmd.Flags().String("dir", "./rgmanager-certs", "Output directory")
	certsInitCmd.Flags().StringArray("node", nil, "Node to issue a certificate for: ID or ID=HOST[,HOST...]")
	certsCmd.AddCommand(certsInitCmd)
}

// parseNodeSpec splits "n1=10.0.0.1,node1.local" into id, DNS names and IPs.
// localhost and 127.0.0.1 are always included.
func parseNodeSpec(spec string) (string, []string, []net.IP) {
	id, hosts, _ := strings.Cut(spec, "=")
	dnsNames := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}

	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		switch {
		case h == "" || h == "localhost" || h == "127.0.0.1":
		case net.ParseIP(h) != nil:
			ips = append(ips, net.ParseIP(h))
		default:
			dnsNames = append(dnsNames, h)
		}
	}
	return strings.TrimSpace(id), dnsNames, ips
}

func writeBundle(ca *security.CertAuthority, dir string, cert *tls.Certificate) error {
	if err := security.SaveCertToFile(cert, dir); err != nil {
		return err
	}
	return security.SaveCACertToFile(ca.RootCert().Raw, dir)
}
