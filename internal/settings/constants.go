package settings

// DB setting keys and defaults.
const (
	// RetentionDaysKey controls how long inactive links are kept, in days.
	RetentionDaysKey = "LINK_RETENTION_DAYS"
	// RetentionIntervalSecondsKey controls the retention sweep interval.
	RetentionIntervalSecondsKey = "RETENTION_INTERVAL_SECONDS"
	// SessionSweepSecondsKey controls the session expiry sweep interval.
	SessionSweepSecondsKey = "SESSION_SWEEP_SECONDS"

	// DefaultRetentionDays is the fallback retention window in days.
	DefaultRetentionDays = 30
	// DefaultRetentionIntervalSeconds is the fallback sweep interval.
	DefaultRetentionIntervalSeconds = 6 * 60 * 60
	// DefaultSessionSweepSeconds is the fallback session sweep interval.
	DefaultSessionSweepSeconds = 60
)
