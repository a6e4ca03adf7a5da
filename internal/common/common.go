package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathJobs    = "/v1/jobs"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
	// RawSnippetLimit bounds the raw model content kept for parse diagnostics (in runes).
	RawSnippetLimit = 500
)

// Database file name under the storage dir.
const DatabaseFileName = "articlegen.db"
