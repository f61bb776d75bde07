/*
Package client provides a Go client for the rgmanager GroupManager API.

Client wraps one gRPC connection and exposes the operator commands used by
the CLI. Errors are converted with api.FromStatus, so callers test them
with errors.Is against the sentinels in pkg/types:

	c, err := client.NewClient("10.0.0.1:7946", certDir)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.EnableGroup(ctx, "web", ""); errors.Is(err, types.ErrDependencyUnsatisfiable) {
		...
	}

Forwarder implements cluster.Forwarder. A follower hands it the commands
it cannot apply itself and it sends them to the leader's ApplyCommand RPC,
caching one connection per leader address.
*/
package client
