package redis

import "github.com/Mudityadev/charles-map/dispatch/job"

// Key layout, per family:
//
//	{prefix}:{QUEUE}:job:{id}    hash    the record
//	{prefix}:{QUEUE}:queued      zset    id -> available_at (unix ms)
//	{prefix}:{QUEUE}:active      zset    id -> claim deadline (unix ms)
//	{prefix}:{QUEUE}:completed   zset    id -> finished_at (unix ms)
//	{prefix}:{QUEUE}:failed      zset    id -> finished_at (unix ms)
//
// The queue name is a hash tag so every key of a family lands in the same
// cluster slot and the Lua scripts may touch them together.
type keys struct {
	prefix string
}

func (k keys) base(f job.Family) string {
	return k.prefix + ":{" + f.QueueName() + "}:"
}

func (k keys) jobPrefix(f job.Family) string      { return k.base(f) + "job:" }
func (k keys) job(f job.Family, id job.ID) string { return k.jobPrefix(f) + string(id) }
func (k keys) queued(f job.Family) string         { return k.base(f) + "queued" }
func (k keys) active(f job.Family) string         { return k.base(f) + "active" }
func (k keys) completed(f job.Family) string      { return k.base(f) + "completed" }
func (k keys) failed(f job.Family) string         { return k.base(f) + "failed" }
