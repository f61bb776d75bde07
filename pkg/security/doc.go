/*
Package security provides the certificate authority and mutual TLS material
for the rgmanager API.

"rgmanager certs init" creates a root CA (RSA 4096, ten years) and writes it
to a directory together with a node certificate per cluster node and a CLI
certificate (RSA 2048, 90 days). Each certificate directory holds:

	ca.crt     root certificate
	node.crt   leaf certificate
	node.key   leaf key (0600)

ServerTLSConfig and ClientTLSConfig turn such a directory into a tls.Config
that requires and verifies peer certificates signed by the cluster CA. The
API server, the follower-to-leader forwarder and the CLI all use them when
api.tls_dir is set.
*/
package security
