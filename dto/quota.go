package dto

// QuotaStatus is returned both by the mutating check-and-increment and the
// read-only peek; same shape either way.
type QuotaStatus struct {
	Allowed      bool   `json:"allowed"`
	CurrentUsage int    `json:"current_usage"`
	DailyLimit   int    `json:"daily_limit"`
	Remaining    int    `json:"remaining"`
	ResourceType string `json:"resource_type"`
}

// DailyLimit zero is meaningful: it shuts the resource off for the user.
type QuotaOverrideRequest struct {
	DailyLimit *int `json:"daily_limit" validate:"required,min=0,max=100000"`
}
