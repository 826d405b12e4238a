package shared

const (
	// LimitKey is the local the limiter stashes the resolved counter key
	// under, for handlers and logging downstream.
	LimitKey = "rate_limit_key"

	// Service ID of the admission middleware; lives here so the services
	// package can look it up without importing the middleware package.
	AdmissionSvc = "admission"

	// Admission profiles. One per endpoint class; they share nothing
	// unless a key strategy opts in.
	ProfileGeneral = "api_general"
	ProfileUpload  = "upload"
	ProfileAuth    = "auth"
	ProfileCreate  = "create"

	// Billable resources guarded by the daily quota.
	ResourceAIExtraction = "ai_extraction"

	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)
