// Package job defines the job record, its state machine, the closed set of
// task kinds, and the static handler registry.
//
// # State machine
//
//	queued → active → completed
//	queued → active → queued      (retryable failure, or reclaim after the
//	                               visibility timeout)
//	queued → active → failed      (terminal failure or attempts exhausted)
//
// Every execution passes through active, and Attempts grows by one each
// time a record enters active.
//
// # Task kinds
//
// Each [Family] owns a fixed set of [Kind] values: import owns "import",
// export owns "export", and ai owns "text2map", "ocr2vector" and
// "styleFromPrompt". [ParseKind] rejects anything else at submission, and
// [Registry.Lookup] rejects it again at execution.
//
// # Defining a task
//
//	var Export = job.NewDefinition(job.KindExport,
//	    func(ctx context.Context, in ExportInput) (ExportResult, error) {
//	        return renderer.Render(ctx, in)
//	    },
//	)
//
//	job.RegisterDefinition(registry, Export)
package job
