// Package engine wires the dispatch subsystems into one process: it opens
// the broker, builds a queue per job family, starts workers for the
// families this process serves and exposes the submission client.
//
// A worker process serves every family:
//
//	cfg, _ := dispatch.LoadConfig(".env")
//	eng, err := engine.Build(ctx, cfg, engine.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	tasks.Default(logger).Register(eng.Registry())
//	return eng.Run(ctx)
//
// An API process only submits and reads status, so it serves nothing:
//
//	eng, err := engine.Build(ctx, cfg, engine.WithServe())
//	id, err := eng.Client().EnqueueExport(ctx, req)
//
// Every worker's chain is Logging, Tracing and Metrics followed by any
// middleware passed with WithMiddleware. The observability metrics
// extension is always registered.
package engine
