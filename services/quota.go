package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/studyforge-app/studyforge_api/dto"
	"github.com/studyforge-app/studyforge_api/model"
)

const DefaultDailyQuota = 10

// QuotaEnforcer gates a billable resource with one atomic statement per
// consume. The store decides check-and-increment server-side; application
// code never reads usage, compares, then writes, so two concurrent
// requests at the boundary cannot both be admitted.
type QuotaEnforcer struct {
	db           *gorm.DB
	defaultLimit int
	now          func() time.Time
}

func NewQuotaEnforcer(db *gorm.DB, defaultLimit int, now func() time.Time) *QuotaEnforcer {
	if now == nil {
		now = time.Now
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultDailyQuota
	}
	return &QuotaEnforcer{db: db, defaultLimit: defaultLimit, now: now}
}

// periodStart is the UTC midnight of the current day. Quota days roll over
// on the store clock's UTC date.
func (e *QuotaEnforcer) periodStart() time.Time {
	now := e.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (e *QuotaEnforcer) effectiveLimit(ctx context.Context, userID, resourceType string) (int, error) {
	var override model.QuotaOverride
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND resource_type = ?", userID, resourceType).
		First(&override).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return e.defaultLimit, nil
		}
		return 0, fmt.Errorf("quota override lookup: %w", err)
	}
	return override.DailyLimit, nil
}

// CheckAndIncrement admits the request and counts it in one statement.
// The boundary is exclusive: a consume that would bring the stored count
// up to the limit is denied, so the count stays strictly below it. The
// upsert enforces that server-side; no returned row means the user is at
// the ceiling. Store failures propagate: this resource is billable, so
// ambiguity never defaults to allow.
func (e *QuotaEnforcer) CheckAndIncrement(ctx context.Context, userID, resourceType string) (*dto.QuotaStatus, error) {
	limit, err := e.effectiveLimit(ctx, userID, resourceType)
	if err != nil {
		return nil, err
	}

	status := &dto.QuotaStatus{DailyLimit: limit, ResourceType: resourceType}
	if limit <= 1 {
		// Exclusive boundary: limits of 0 and 1 admit nothing, and the
		// insert path below must never run for them.
		status.Allowed = false
		status.Remaining = 0
		return status, nil
	}

	now := e.now().UTC()
	var usage int
	tx := e.db.WithContext(ctx).Raw(`
		INSERT INTO quota_usages (id, user_id, resource_type, period_start, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id, resource_type, period_start)
		DO UPDATE SET usage_count = quota_usages.usage_count + 1, updated_at = ?
		WHERE quota_usages.usage_count < ?
		RETURNING usage_count`,
		uuid.NewString(), userID, resourceType, e.periodStart(), now, now, now, limit-1,
	).Scan(&usage)

	if tx.Error != nil {
		return nil, fmt.Errorf("quota check-and-increment: %w", tx.Error)
	}

	if tx.RowsAffected == 0 {
		// Denied: report the stored count without mutating anything.
		current, err := e.currentUsage(ctx, userID, resourceType)
		if err != nil {
			return nil, err
		}
		status.Allowed = false
		status.CurrentUsage = current
		status.Remaining = 0
		return status, nil
	}

	status.Allowed = true
	status.CurrentUsage = usage
	status.Remaining = limit - usage - 1
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	return status, nil
}

// Peek recomputes the verdict from the latest stored count without
// consuming anything; used for usage displays.
func (e *QuotaEnforcer) Peek(ctx context.Context, userID, resourceType string) (*dto.QuotaStatus, error) {
	limit, err := e.effectiveLimit(ctx, userID, resourceType)
	if err != nil {
		return nil, err
	}

	current, err := e.currentUsage(ctx, userID, resourceType)
	if err != nil {
		return nil, err
	}

	remaining := limit - current - 1
	if remaining < 0 {
		remaining = 0
	}
	return &dto.QuotaStatus{
		Allowed:      current+1 < limit,
		CurrentUsage: current,
		DailyLimit:   limit,
		Remaining:    remaining,
		ResourceType: resourceType,
	}, nil
}

func (e *QuotaEnforcer) currentUsage(ctx context.Context, userID, resourceType string) (int, error) {
	var usage model.QuotaUsage
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND resource_type = ? AND period_start = ?", userID, resourceType, e.periodStart()).
		First(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("quota usage lookup: %w", err)
	}
	return usage.UsageCount, nil
}

// SetOverride installs or replaces the per-user daily limit for a resource.
func (e *QuotaEnforcer) SetOverride(ctx context.Context, userID, resourceType string, dailyLimit int) error {
	now := e.now().UTC()
	result := e.db.WithContext(ctx).Exec(`
		INSERT INTO quota_overrides (id, user_id, resource_type, daily_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource_type)
		DO UPDATE SET daily_limit = ?, updated_at = ?`,
		uuid.NewString(), userID, resourceType, dailyLimit, now, now, dailyLimit, now,
	)
	if result.Error != nil {
		return fmt.Errorf("quota override upsert: %w", result.Error)
	}
	return nil
}

// QuotaService wires the enforcer to the configured SQL backend.
type QuotaService struct {
	appContext.DefaultService

	enforcer     *QuotaEnforcer
	defaultLimit int
	driver       string
}

const QUOTA_SVC = "quota_svc"

func (svc QuotaService) Id() string {
	return QUOTA_SVC
}

func (svc *QuotaService) Configure(ctx *appContext.Context) error {
	svc.defaultLimit = DefaultDailyQuota
	if v := os.Getenv("QUOTA_DEFAULT_DAILY_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			svc.defaultLimit = limit
		} else {
			log.Warnf("Invalid QUOTA_DEFAULT_DAILY_LIMIT %q, using %d", v, DefaultDailyQuota)
		}
	}

	svc.driver = os.Getenv("DB_DRIVER")
	return svc.DefaultService.Configure(ctx)
}

func (svc *QuotaService) Start() error {
	var db *gorm.DB
	if svc.driver == "sqlite" {
		db = svc.Service(SQLITE_SVC).(*SqliteService).Db()
	} else {
		db = svc.Service(POSTGRES_SVC).(*PostgresService).Db()
	}

	svc.enforcer = NewQuotaEnforcer(db, svc.defaultLimit, nil)
	return nil
}

func (svc *QuotaService) CheckAndIncrement(ctx context.Context, userID, resourceType string) (*dto.QuotaStatus, error) {
	return svc.enforcer.CheckAndIncrement(ctx, userID, resourceType)
}

func (svc *QuotaService) Peek(ctx context.Context, userID, resourceType string) (*dto.QuotaStatus, error) {
	return svc.enforcer.Peek(ctx, userID, resourceType)
}

func (svc *QuotaService) SetOverride(ctx context.Context, userID, resourceType string, dailyLimit int) error {
	return svc.enforcer.SetOverride(ctx, userID, resourceType, dailyLimit)
}
