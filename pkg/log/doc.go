/*
Package log provides structured logging for rgmanager using zerolog.

Init configures the global Logger once at daemon start. Components never log
through the global directly; they derive a child logger at construction time:

	logger := log.WithComponent("scheduler")
	logger.Info().
		Str("group", "web").
		Str("from", "starting").
		Str("to", "started").
		Msg("Group transition")

Output is JSON (for log shippers) or a human console format. Levels are
debug, info, warn and error; anything unrecognized falls back to info.

Conventions used across the daemon:

  - state transitions: info, with group, from, to, owner and epoch fields
  - probe failures and agent failures: warn
  - configuration inconsistencies and exhausted retry budgets: error
*/
package log
