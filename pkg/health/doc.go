/*
Package health implements application-level status checks for resource
groups.

Three checkers are provided: HTTPChecker (status code within a range),
TCPChecker (connection can be opened) and ExecChecker (command exits 0).
New builds the right one for a group from a types.CheckSpec. Every result
message starts with the group id; HTTP checks send it in the
X-Resource-Group header and exec checks in RG_GROUP.

A single failed check does not make a group unhealthy. Status counts
consecutive results and only flips to unhealthy after the configured number
of retries:

	checker, err := health.New(group, spec)
	status := health.NewStatus()
	if status.Update(checker.Check(ctx), health.Retries(spec)) && !status.Healthy {
		// escalate
	}

The agent package wraps any resource agent with a checker so that a group's
status action also verifies the application answers, and the reconciler
uses Status to decide when a Started group must be recovered.
*/
package health
