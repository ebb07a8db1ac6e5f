package audithook

// Audit event actions, one per lifecycle hook.
const (
	ActionJobSubmitted = "job.submitted"
	ActionJobClaimed   = "job.claimed"
	ActionJobCompleted = "job.completed"
	ActionJobRetrying  = "job.retrying"
	ActionJobFailed    = "job.failed"
	ActionJobReclaimed = "job.reclaimed"
)

const (
	CategoryJob = "dispatch.job"
	ResourceJob = "job"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobClaimed,
		ActionJobCompleted,
		ActionJobRetrying,
		ActionJobFailed,
		ActionJobReclaimed,
	}
}
