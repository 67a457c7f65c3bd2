/*
Package log wraps zerolog with the component- and correlation-scoped
loggers the rest of probed uses: WithComponent for a package-level
logger ("pool", "workerproc"), and WithPoolID/WithWorkerID/WithJobID
for attaching the identifier of whatever the log line is about.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	poolLog := log.WithComponent("pool")
	poolLog.Info().Int("worker_id", 3).Msg("worker spawned")

	log.WithJobID("42").Warn().Msg("response frame missing job_id")
*/
package log
