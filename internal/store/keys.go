package store

import "time"

// Key namespaces. Every entity gets its own prefix so no two components can
// interfere, and every key carries an expiry so a crashed writer cannot leak
// state indefinitely.
const (
	// Rate limiting
	PrefixRateLimit = "ratelimit:"

	// Advisory TTL locks
	PrefixLock         = "lock:"
	PrefixAnalysisLock = "lock:analysis:"

	// Job queue
	PrefixJob         = "queue:job:"
	KeyQueueWaiting   = "queue:waiting"
	KeyQueueDelayed   = "queue:delayed"
	KeyQueueActive    = "queue:active"
	KeyQueueCompleted = "queue:completed"
	KeyQueueFailed    = "queue:failed"

	// Liveness records for in-flight analyses
	PrefixLiveness   = "analysis:live:"
	KeyLivenessIndex = "analysis:live_index"

	// Metric series and counters
	PrefixMetric   = "metrics:"
	PrefixAPIStats = "api_stats:"
	KeyAPIIndex    = "api_stats_index"
	PrefixStats    = "stats:"

	// Request-authorization tokens
	PrefixCSRF    = "csrf:"
	PrefixCSRFUse = "csrf_use:"
)

// Metric names shared between writer (monitor) and readers (queue ETA).
const (
	MetricAnalysisDuration = "analysis_duration"
)

// Global counter keys.
const (
	StatTotalStarted   = PrefixStats + "total_started"
	StatTotalCompleted = PrefixStats + "total_completed"
	StatTotalFailed    = PrefixStats + "total_failed"
)

// TTLJobRecord backstops the janitor: even if cleanup never runs, job records
// evaporate on their own.
const TTLJobRecord = 48 * time.Hour
