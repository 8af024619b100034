package store

// Redis key naming for job records and ownership indexes.

// JobKey returns the hash key for a job record: jobs:{id}
func JobKey(id string) string { return "jobs:" + id }

// UserJobsKey returns the set key for a user's job ids: user_jobs:{user_id}
func UserJobsKey(userID string) string { return "user_jobs:" + userID }

// BatchKey returns the hash key for a batch record: batches:{id}
func BatchKey(id string) string { return "batches:" + id }

// TerminalKey is the sorted set of terminal job ids scored by completion
// time, consumed by the retention sweep.
const TerminalKey = "jobs:terminal"
