/*
Package agent defines the resource agent capability and its
implementations.

An Agent starts, stops and checks the service behind a resource group. The
scheduler depends only on the interface; a Catalog picks the concrete agent
by group type:

	script     ScriptAgent runs "<script> start|stop|status"
	container  ContainerAgent runs the group as a containerd task

Groups that declare a check get their agent wrapped in a CheckedAgent, so
the status action also verifies that the application answers.

Invoke is the single entry point used by the scheduler; it records
invocation counts and durations.
*/
package agent
