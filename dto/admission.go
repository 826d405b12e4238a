package dto

import "time"

type RateLimitInfo struct {
	Allowed   bool       `json:"allowed"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

// ValidationResult is the threat classifier's verdict for one request.
// RiskLevel only ever moves upward while checks run; the pipeline rejects
// on high only, medium anomalies are logged and let through.
type ValidationResult struct {
	IsValid   bool     `json:"is_valid"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
	RiskLevel string   `json:"risk_level"`
}

// RateLimitedResponse is the fixed 429 body shape.
type RateLimitedResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// BlockedResponse is the fixed 400 body shape for classifier rejections.
type BlockedResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type RateLimitConfigUpdateRequest struct {
	MaxRequests int    `json:"max_requests" validate:"omitempty,min=1"`
	WindowSize  string `json:"window_size" validate:"omitempty,duration"`
	IsActive    *bool  `json:"is_active"`
}
