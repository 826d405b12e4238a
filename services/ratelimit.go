package services

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/studyforge-app/studyforge_api/dto"
	"github.com/studyforge-app/studyforge_api/shared"
)

// RateLimitProfile is the static configuration for one endpoint class.
// Profiles never share counter state: the profile name prefixes every key,
// unless a KeyFunc deliberately maps two requests onto the same string.
type RateLimitProfile struct {
	Name        string        `json:"name"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Description string        `json:"description"`
	IsActive    bool          `json:"is_active"`

	// MaxBodyBytes caps content-length for the threat classifier.
	MaxBodyBytes int `json:"max_body_bytes"`

	// ValidateUpload enables the file-shape stage in the pipeline.
	ValidateUpload bool `json:"validate_upload"`

	// IPOnly keys by source address even when a session is present
	// (pre-auth endpoints have no trustworthy session yet).
	IPOnly bool `json:"ip_only"`

	// KeyFunc overrides the identity-based key strategy when set.
	KeyFunc func(c *fiber.Ctx) string `json:"-"`
}

// RateLimitService owns the per-profile configuration and answers
// allow/deny for the admission pipeline.
type RateLimitService struct {
	appContext.DefaultService

	configs map[string]*RateLimitProfile
	mutex   sync.RWMutex

	store       CounterStore
	identitySvc *IdentityService
}

const RATE_LIMIT_SVC = "rate_limit_svc"

func (svc *RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

// NewRateLimitService builds a limiter outside the service container.
func NewRateLimitService(store CounterStore, identity *IdentityService) *RateLimitService {
	svc := &RateLimitService{
		configs:     make(map[string]*RateLimitProfile),
		store:       store,
		identitySvc: identity,
	}
	svc.initDefaultProfiles()
	return svc
}

func (svc *RateLimitService) Configure(ctx *appContext.Context) error {
	svc.configs = make(map[string]*RateLimitProfile)
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	svc.store = svc.Service(COUNTER_SVC).(*CounterService).Store()
	svc.identitySvc = svc.Service(IDENTITY_SVC).(*IdentityService)
	svc.initDefaultProfiles()
	return nil
}

func (svc *RateLimitService) initDefaultProfiles() {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	svc.configs = map[string]*RateLimitProfile{
		shared.ProfileGeneral: {
			Name:         shared.ProfileGeneral,
			MaxRequests:  300,
			Window:       time.Minute,
			MaxBodyBytes: 1 << 20,
			Description:  "General API requests per caller",
			IsActive:     true,
		},
		shared.ProfileUpload: {
			Name:           shared.ProfileUpload,
			MaxRequests:    20,
			Window:         time.Hour,
			MaxBodyBytes:   10 << 20,
			ValidateUpload: true,
			Description:    "Notes file imports per caller",
			IsActive:       true,
		},
		shared.ProfileAuth: {
			Name:         shared.ProfileAuth,
			MaxRequests:  10,
			Window:       15 * time.Minute,
			MaxBodyBytes: 64 << 10,
			IPOnly:       true,
			Description:  "Authentication attempts per source address",
			IsActive:     true,
		},
		shared.ProfileCreate: {
			Name:         shared.ProfileCreate,
			MaxRequests:  30,
			Window:       time.Minute,
			MaxBodyBytes: 1 << 20,
			Description:  "Resource creation requests per caller",
			IsActive:     true,
		},
	}

	// Window/ceiling pairs may be overridden per profile from the
	// environment, e.g. RATE_LIMIT_API_GENERAL=600/1m.
	for name, profile := range svc.configs {
		envKey := "RATE_LIMIT_" + strings.ToUpper(name)
		value := os.Getenv(envKey)
		if value == "" {
			continue
		}
		max, window, err := parseLimitSpec(value)
		if err != nil {
			log.Warnf("Ignoring %s=%q: %v", envKey, value, err)
			continue
		}
		profile.MaxRequests = max
		profile.Window = window
	}
}

func parseLimitSpec(value string) (int, time.Duration, error) {
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected <count>/<window>")
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || max <= 0 {
		return 0, 0, fmt.Errorf("invalid count %q", parts[0])
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return 0, 0, fmt.Errorf("invalid window %q", parts[1])
	}
	return max, window, nil
}

// SetProfile installs or replaces a profile.
func (svc *RateLimitService) SetProfile(profile *RateLimitProfile) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()
	svc.configs[profile.Name] = profile
}

func (svc *RateLimitService) Profile(name string) (*RateLimitProfile, bool) {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()
	profile, ok := svc.configs[name]
	return profile, ok
}

// Key resolves the counter key for a request under a profile.
func (svc *RateLimitService) Key(c *fiber.Ctx, profile *RateLimitProfile) string {
	if profile.KeyFunc != nil {
		return profile.KeyFunc(c)
	}
	if profile.IPOnly {
		if ip := forwardedIP(c); ip != "" {
			return fmt.Sprintf("%s:ip:%s", profile.Name, ip)
		}
		return profile.Name + ":ip:unknown"
	}
	return svc.identitySvc.Resolve(c, profile.Name)
}

// Check answers whether the request may pass the rate-limit stage. An
// inactive or unknown profile admits everything (Remaining -1 marks the
// unlimited case for header rendering).
func (svc *RateLimitService) Check(c *fiber.Ctx, profileName string) (bool, *dto.RateLimitInfo, error) {
	profile, ok := svc.Profile(profileName)
	if !ok || !profile.IsActive {
		return true, &dto.RateLimitInfo{Allowed: true, Remaining: -1}, nil
	}

	key := svc.Key(c, profile)
	c.Locals(shared.LimitKey, key)

	result, err := svc.store.Check(c.Context(), key, profile.Window, profile.MaxRequests)
	if err != nil {
		return false, nil, err
	}

	resetTime := result.ResetAt
	return result.Allowed, &dto.RateLimitInfo{
		Allowed:   result.Allowed,
		Limit:     profile.MaxRequests,
		Remaining: result.Remaining,
		ResetTime: &resetTime,
	}, nil
}

// ==================== ADMIN HANDLERS ====================

// @Summary Rate limit statistics
// @Tags admin
// @Produce json
// @Success 200 {object} shared.Response
// @Router /api/v1/admin/ratelimit/stats [get]
func (svc *RateLimitService) GetRateLimitStats() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Value copies: the originals keep changing under UpdateProfile
		// after the lock is dropped.
		svc.mutex.RLock()
		configs := make(map[string]RateLimitProfile, len(svc.configs))
		for name, profile := range svc.configs {
			configs[name] = *profile
		}
		svc.mutex.RUnlock()

		stats := map[string]interface{}{
			"configs":      configs,
			"tracked_keys": svc.store.Len(),
			"generated_at": time.Now().UTC(),
		}
		return shared.ResponseJSON(c, http.StatusOK, "Rate limit statistics", stats)
	}
}

// @Summary Update a rate limit profile
// @Tags admin
// @Accept json
// @Produce json
// @Param profile path string true "Profile name"
// @Router /api/v1/admin/ratelimit/{profile} [put]
func (svc *RateLimitService) UpdateProfile() fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("profile")

		var req dto.RateLimitConfigUpdateRequest
		if err := c.BodyParser(&req); err != nil {
			return shared.ResponseJSON(c, http.StatusBadRequest, "Invalid request body", err.Error())
		}
		if err := dto.GetValidator().Struct(&req); err != nil {
			return shared.ResponseJSON(c, http.StatusBadRequest, "Validation failed", dto.FormatValidationErrors(err))
		}

		svc.mutex.Lock()
		profile, exists := svc.configs[name]
		if !exists {
			svc.mutex.Unlock()
			return shared.ResponseNotFound(c)
		}

		if req.MaxRequests > 0 {
			profile.MaxRequests = req.MaxRequests
		}
		if req.WindowSize != "" {
			if window, err := time.ParseDuration(req.WindowSize); err == nil {
				profile.Window = window
			}
		}
		if req.IsActive != nil {
			profile.IsActive = *req.IsActive
		}
		updated := *profile
		svc.mutex.Unlock()

		log.WithFields(log.Fields{
			"profile":      name,
			"max_requests": updated.MaxRequests,
			"window":       updated.Window.String(),
		}).Info("Rate limit profile updated")

		return shared.ResponseJSON(c, http.StatusOK, "Profile updated", updated)
	}
}

// @Summary Reset a single rate limit counter
// @Tags admin
// @Produce json
// @Param profile path string true "Profile name"
// @Param key path string true "Counter key"
// @Router /api/v1/admin/ratelimit/{profile}/{key} [delete]
func (svc *RateLimitService) RemoveRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		profileName := c.Params("profile")
		key := c.Params("key")
		if profileName == "" || key == "" {
			return shared.ResponseBadRequest(c, "Missing profile or key")
		}

		fullKey := profileName + ":" + key
		if err := svc.store.Reset(c.Context(), fullKey); err != nil {
			log.WithError(err).Error("Failed to reset rate limit counter")
			return shared.ResponseInternalError(c, err)
		}

		return shared.ResponseJSON(c, http.StatusOK,
			fmt.Sprintf("Rate limit reset for %s", fullKey), nil)
	}
}
