package redis

// keys builds every Redis key from a common prefix.
type keys string

func (k keys) job(id string) string         { return string(k) + "job:" + id }
func (k keys) jobIDs() string               { return string(k) + "job_ids" }
func (k keys) queue(name string) string     { return string(k) + "queue:" + name }
func (k keys) awaiting(id string) string    { return string(k) + "awaiting:" + id }
func (k keys) batch(id string) string       { return string(k) + "batch:" + id }
func (k keys) jobPrefix() string            { return string(k) + "job:" }
func (k keys) queuePrefix() string          { return string(k) + "queue:" }
func (k keys) run(id string) string         { return string(k) + "run:" + id }
func (k keys) runIDs() string               { return string(k) + "run_ids" }
func (k keys) checkpoints(id string) string { return string(k) + "checkpoints:" + id }
func (k keys) step(runID, name string) string {
	return string(k) + "step:" + runID + ":" + name
}
func (k keys) stepOrder(runID string) string { return string(k) + "steps:" + runID }

func (k keys) cron(id string) string     { return string(k) + "cron:" + id }
func (k keys) cronLock(id string) string { return string(k) + "cron_lock:" + id }
func (k keys) cronIDs() string           { return string(k) + "cron_ids" }
func (k keys) cronNames() string         { return string(k) + "cron_names" }

func (k keys) event(id string) string         { return string(k) + "event:" + id }
func (k keys) eventStream(name string) string { return string(k) + "events:" + name }

// Correlation keys. Forward maps job to instance, reverse maps instance
// to job, created scores job ids by mapping time in microseconds.
func (k keys) forward() string  { return string(k) + "corr:forward" }
func (k keys) reverse() string  { return string(k) + "corr:reverse" }
func (k keys) created() string  { return string(k) + "corr:created" }
func (k keys) outcomes() string { return string(k) + "corr:outcomes" }
func (k keys) sealed() string   { return string(k) + "corr:sealed" }

func (k keys) correlation() []string {
	return []string{k.forward(), k.reverse(), k.created(), k.outcomes(), k.sealed()}
}
