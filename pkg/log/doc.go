/*
Package log provides structured logging for corral using zerolog.

A single global Logger is configured once by Init, from the daemon settings
(log.level, log.json). Every long-lived component takes a child logger so
each line carries the fields needed to correlate it:

	WithComponent("router")          component=router
	WithVersion(7)                   version=7
	WithGroup("app", "a1b2c3")       component=pool group=app instance=a1b2c3
	WithWorkerID(groupLogger, "w-1") ... worker_id=w-1

Console output is used for interactive runs and JSON output for containers:

	{"level":"info","component":"controlplane","version":7,"time":"2026-01-01T10:00:00Z","message":"version active"}
	10:00AM INF version active component=controlplane version=7

Worker processes have their stdout and stderr captured line by line and
logged through the worker's logger with a stream field.

# Usage

	log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	logger := log.WithComponent("supervisor")
	logger.Info().Int("pid", pid).Msg("child started")

Before Init is called the package logs JSON to stderr, so libraries and
tests never write to a nil logger.
*/
package log
