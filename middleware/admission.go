package middleware

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/studyforge-app/studyforge_api/dto"
	"github.com/studyforge-app/studyforge_api/services"
	"github.com/studyforge-app/studyforge_api/shared"
)

// rejection is a fully formed refusal: status, machine-readable body and
// any retry/limit headers. nil means the stage lets the request proceed.
type rejection struct {
	status  int
	body    interface{}
	headers map[string]string
}

type stage func(c *fiber.Ctx, profile *services.RateLimitProfile) *rejection

// AdmissionMiddleware composes the admission stages per endpoint profile:
// classify, rate limit, optional upload-shape validation. Stages run in
// order and short-circuit on the first rejection; on success the
// X-RateLimit-* headers ride along on the downstream response.
type AdmissionMiddleware struct {
	appContext.DefaultService

	threatSvc    *services.ThreatService
	rateLimitSvc *services.RateLimitService

	uploadExtensions map[string]struct{}
}

func (svc AdmissionMiddleware) Id() string {
	return shared.AdmissionSvc
}

// NewAdmissionMiddleware builds the pipeline outside the service container.
func NewAdmissionMiddleware(threat *services.ThreatService, rateLimit *services.RateLimitService) *AdmissionMiddleware {
	return &AdmissionMiddleware{
		threatSvc:        threat,
		rateLimitSvc:     rateLimit,
		uploadExtensions: defaultUploadExtensions(),
	}
}

func defaultUploadExtensions() map[string]struct{} {
	return map[string]struct{}{
		".txt": {}, ".md": {}, ".pdf": {},
		".png": {}, ".jpg": {}, ".jpeg": {},
	}
}

func (svc *AdmissionMiddleware) Configure(ctx *appContext.Context) error {
	svc.uploadExtensions = defaultUploadExtensions()
	return svc.DefaultService.Configure(ctx)
}

func (svc *AdmissionMiddleware) Start() error {
	svc.threatSvc = svc.Service(services.THREAT_SVC).(*services.ThreatService)
	svc.rateLimitSvc = svc.Service(services.RATE_LIMIT_SVC).(*services.RateLimitService)
	return nil
}

// Admit returns the middleware for one profile.
func (svc *AdmissionMiddleware) Admit(profileName string) fiber.Handler {
	stages := []stage{
		svc.validateStage,
		svc.rateLimitStage,
		svc.uploadStage,
	}

	return func(c *fiber.Ctx) error {
		profile, ok := svc.rateLimitSvc.Profile(profileName)
		if !ok {
			log.Warnf("Unknown admission profile %q, admitting request", profileName)
			return c.Next()
		}

		for _, run := range stages {
			if rej := run(c, profile); rej != nil {
				for name, value := range rej.headers {
					c.Set(name, value)
				}
				return shared.RawJSON(c, rej.status, rej.body)
			}
		}

		return c.Next()
	}
}

func (svc *AdmissionMiddleware) validateStage(c *fiber.Ctx, profile *services.RateLimitProfile) *rejection {
	result := svc.threatSvc.Classify(c, profile.MaxBodyBytes)

	if len(result.Warnings) > 0 {
		log.WithFields(log.Fields{
			"profile":  profile.Name,
			"path":     c.Path(),
			"warnings": result.Warnings,
		}).Warn("Request admitted with anomalies")
	}

	if result.RiskLevel != shared.RiskHigh {
		return nil
	}

	services.RecordBlockedRequest(profile.Name)
	log.WithFields(log.Fields{
		"profile": profile.Name,
		"path":    c.Path(),
		"errors":  result.Errors,
	}).Warn("Request blocked by threat classifier")

	return &rejection{
		status: http.StatusBadRequest,
		body: dto.BlockedResponse{
			Error:   "Request blocked",
			Message: "The request matched known attack patterns",
			Details: result.Errors,
		},
	}
}

func (svc *AdmissionMiddleware) rateLimitStage(c *fiber.Ctx, profile *services.RateLimitProfile) *rejection {
	allowed, info, err := svc.rateLimitSvc.Check(c, profile.Name)
	if err != nil {
		// The shared counter backend being down must not take every
		// endpoint with it; admit and leave the evidence in the logs.
		log.WithError(err).WithField("profile", profile.Name).Error("Rate limit check failed")
		return nil
	}

	if info.Remaining >= 0 {
		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	}
	if info.ResetTime != nil {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}

	if allowed {
		return nil
	}

	services.RecordRateLimitRejection(profile.Name)

	retryAfter := 1
	if info.ResetTime != nil {
		if secs := int(time.Until(*info.ResetTime).Seconds()); secs > retryAfter {
			retryAfter = secs
		}
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(info.Limit),
		"X-RateLimit-Remaining": "0",
		"Retry-After":           strconv.Itoa(retryAfter),
	}
	if info.ResetTime != nil {
		headers["X-RateLimit-Reset"] = strconv.FormatInt(info.ResetTime.Unix(), 10)
	}

	return &rejection{
		status: http.StatusTooManyRequests,
		body: dto.RateLimitedResponse{
			Error:      "Too Many Requests",
			Message:    fmt.Sprintf("Rate limit exceeded for %s. Try again later.", profile.Description),
			RetryAfter: retryAfter,
		},
		headers: headers,
	}
}

// uploadStage checks the shape of a file import before any handler runs:
// multipart carrier, at least one file, known extensions, per-file size
// under the profile ceiling. Storage is someone else's problem.
func (svc *AdmissionMiddleware) uploadStage(c *fiber.Ctx, profile *services.RateLimitProfile) *rejection {
	if !profile.ValidateUpload {
		return nil
	}

	contentType := c.Get(fiber.HeaderContentType)
	if !strings.HasPrefix(contentType, fiber.MIMEMultipartForm) {
		return uploadRejection("file imports must use multipart/form-data")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return uploadRejection("malformed multipart body")
	}

	files := form.File["file"]
	if len(files) == 0 {
		return uploadRejection("no file attached under field \"file\"")
	}

	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file.Filename))
		if _, ok := svc.uploadExtensions[ext]; !ok {
			return uploadRejection(fmt.Sprintf("file type %q is not accepted", ext))
		}
		if profile.MaxBodyBytes > 0 && file.Size > int64(profile.MaxBodyBytes) {
			return uploadRejection(fmt.Sprintf("file %s exceeds the size limit", file.Filename))
		}
	}

	return nil
}

func uploadRejection(detail string) *rejection {
	return &rejection{
		status: http.StatusBadRequest,
		body: dto.BlockedResponse{
			Error:   "Request blocked",
			Message: "File import rejected",
			Details: []string{detail},
		},
	}
}
