// Package audithook records job lifecycle events in an organization's
// audit trail.
//
// Every hook emits a structured AuditEvent through the [Recorder]
// interface. Severity is info for normal progress, warning for retries and
// reclaims, and critical for failures. Each event carries the owning
// organization and user so the trail can be filtered per tenant.
//
// # Usage
//
//	eng, err := engine.Build(ctx, cfg,
//	    engine.WithExtension(audithook.New(audithook.LogRecorder(logger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionJobReclaimed,
//	    ),
//	)
package audithook
