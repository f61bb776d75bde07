/*
Package dns publishes group placement over DNS.

Clients that cannot follow failover themselves resolve a group's name and
get the address of the node currently running it:

	db.rgmanager.          A  10.0.0.2   (owner of started group db)
	n1.node.rgmanager.     A  10.0.0.1   (current member n1)

Answers come straight from the local scheduler and membership view and
carry a 5 second TTL. A group that exists but is not Started answers
NOERROR with no records; unknown names inside the zone answer NXDOMAIN.
Names outside the zone are forwarded to the configured upstream servers,
or refused when there are none.

Node addresses come from dns.addresses in the daemon config, falling back
to the host part of each peer's api_addr.

# Usage

	srv := dns.NewServer(mgr, addrs, &dns.Config{
		ListenAddr: "127.0.0.1:5353",
		Domain:     "rgmanager",
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()
*/
package dns
