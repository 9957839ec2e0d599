package redis

// Redis key naming conventions for FossaWork data.
// All keys are prefixed with "fossawork:" to avoid collisions.

const keyPrefix = "fossawork:"

// ── Job keys ──

// jobKey returns the key for a job hash: fossawork:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the Sorted Set key for a queue: fossawork:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// progressKey returns the List key for a job's progress events:
// fossawork:progress:{jobID}
func progressKey(jobID string) string { return keyPrefix + "progress:" + jobID }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Schedule keys ──

// scheduleKey returns the key for a schedule entry: fossawork:schedule:{id}
func scheduleKey(id string) string { return keyPrefix + "schedule:" + id }

// scheduleIDsKey is the Set tracking all schedule IDs for enumeration.
const scheduleIDsKey = keyPrefix + "schedule_ids"

// scheduleNamesKey maps schedule names to IDs for duplicate detection.
const scheduleNamesKey = keyPrefix + "schedule_names"
