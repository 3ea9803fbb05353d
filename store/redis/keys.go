package redis

// Redis key naming conventions. All keys carry the "keldris:" prefix to
// avoid collisions on shared instances.

const keyPrefix = "keldris:"

// jobKey returns the Hash key for a job entity: keldris:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// pendingKey returns the per-org Sorted Set acting as the priority
// queue: keldris:pending:{org}
func pendingKey(orgID string) string { return keyPrefix + "pending:" + orgID }

// retryKey is the global Sorted Set of failed jobs scored by
// next_retry_at (epoch millis; 0 when the backoff was never stamped).
const retryKey = keyPrefix + "retry"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
