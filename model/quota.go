package model

import "time"

// QuotaUsage is one row per user/resource/day. The row is only ever mutated
// through the atomic check-and-increment statement in QuotaService; reading
// then writing it from application code would race between concurrent
// requests of the same user.
type QuotaUsage struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	UserID       string    `json:"user_id" gorm:"not null;uniqueIndex:idx_quota_usage_day,priority:1;size:255"`
	ResourceType string    `json:"resource_type" gorm:"not null;uniqueIndex:idx_quota_usage_day,priority:2;size:50"`
	PeriodStart  time.Time `json:"period_start" gorm:"not null;uniqueIndex:idx_quota_usage_day,priority:3"`
	UsageCount   int       `json:"usage_count" gorm:"default:0;not null"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}

// QuotaOverride raises (or lowers) the system default daily limit for one
// user and resource type. At most one row per pair; absence means the
// default applies.
type QuotaOverride struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	UserID       string    `json:"user_id" gorm:"not null;uniqueIndex:idx_quota_override,priority:1;size:255"`
	ResourceType string    `json:"resource_type" gorm:"not null;uniqueIndex:idx_quota_override,priority:2;size:50"`
	DailyLimit   int       `json:"daily_limit" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}
