package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/studyforge-app/studyforge_api/dto"
	"github.com/studyforge-app/studyforge_api/shared"
)

// Admitter is the admission pipeline's surface as seen from route setup.
// Satisfied by middleware.AdmissionMiddleware.
type Admitter interface {
	Admit(profileName string) fiber.Handler
}

type HttpService struct {
	appContext.DefaultService

	identitySvc   *IdentityService
	threatSvc     *ThreatService
	rateLimitSvc  *RateLimitService
	quotaSvc      *QuotaService
	extractionSvc *ExtractionService
	admission     Admitter

	port             int
	devSessionSecret string
	app              *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *appContext.Context) error {
	svc.port = 8000
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	}

	svc.devSessionSecret = os.Getenv("DEV_SESSION_SECRET")
	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.identitySvc = svc.Service(IDENTITY_SVC).(*IdentityService)
	svc.threatSvc = svc.Service(THREAT_SVC).(*ThreatService)
	svc.rateLimitSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.quotaSvc = svc.Service(QUOTA_SVC).(*QuotaService)
	svc.extractionSvc = svc.Service(EXTRACTION_SVC).(*ExtractionService)
	svc.admission = svc.Service(shared.AdmissionSvc).(Admitter)

	app := fiber.New(fiber.Config{
		BodyLimit:    16 << 20,
		ErrorHandler: svc.errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(string) bool { return true },
		AllowCredentials: true,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(HTTPMetrics())

	app.Get("/ping", svc.ping)

	api := app.Group("/api/v1")

	api.Post("/extractions", svc.admission.Admit(shared.ProfileCreate), svc.createExtraction)
	api.Get("/quota/:resourceType", svc.admission.Admit(shared.ProfileGeneral), svc.getQuota)
	api.Post("/imports", svc.admission.Admit(shared.ProfileUpload), svc.importNotes)

	auth := api.Group("/auth", svc.admission.Admit(shared.ProfileAuth))
	if svc.devSessionSecret != "" {
		auth.Post("/session", svc.createDevSession)
	}

	admin := api.Group("/admin", svc.admission.Admit(shared.ProfileGeneral))
	admin.Get("/ratelimit/stats", svc.rateLimitSvc.GetRateLimitStats())
	admin.Put("/ratelimit/:profile", svc.rateLimitSvc.UpdateProfile())
	admin.Delete("/ratelimit/:profile/:key", svc.rateLimitSvc.RemoveRateLimit())
	admin.Post("/quota/:userId/:resourceType", svc.setQuotaOverride)

	svc.app = app
	return app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.app != nil {
		_ = svc.app.Shutdown()
	}
}

func (svc *HttpService) errorHandler(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.WithError(err).Error("Unhandled request error")
	return shared.ResponseInternalError(c, err)
}

// @Summary Ping
// @Description Health probe for the admission service
// @Tags health
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")
	return shared.ResponseOK(c, "pong")
}

// @Summary Extract problems from study notes
// @Description Consumes one unit of the caller's daily AI extraction quota
// @Tags extraction
// @Accept json
// @Produce json
// @Success 200 {object} dto.ExtractionResponse
// @Failure 429 {object} dto.QuotaStatus
// @Router /api/v1/extractions [post]
func (svc *HttpService) createExtraction(c *fiber.Ctx) error {
	userID := svc.identitySvc.Subject(c)
	if userID == "" {
		return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "A session is required for extraction")
	}

	var req dto.ExtractionRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseBadRequest(c, "Invalid request body")
	}
	if err := dto.GetValidator().Struct(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Validation failed", dto.FormatValidationErrors(err))
	}
	if err := svc.threatSvc.ValidateBody(req); err != nil {
		return err
	}

	quota, err := svc.quotaSvc.CheckAndIncrement(c.Context(), userID, shared.ResourceAIExtraction)
	if err != nil {
		log.WithError(err).Error("Quota check failed")
		return shared.ResponseInternalError(c, err)
	}
	if !quota.Allowed {
		RecordQuotaDenial(shared.ResourceAIExtraction)
		return shared.ErrTooManyRequests("Daily extraction quota exceeded", quota)
	}

	extracted, err := svc.extractionSvc.Extract(c.Context(), req)
	if err != nil {
		log.WithError(err).Error("Extraction failed")
		return shared.ResponseInternalError(c, err)
	}

	return shared.ResponseOK(c, dto.ExtractionResponse{
		RequestID: uuid.NewString(),
		Extracted: extracted,
		Quota:     quota,
	})
}

// @Summary Current quota usage
// @Tags quota
// @Produce json
// @Param resourceType path string true "Resource type"
// @Success 200 {object} dto.QuotaStatus
// @Router /api/v1/quota/{resourceType} [get]
func (svc *HttpService) getQuota(c *fiber.Ctx) error {
	userID := svc.identitySvc.Subject(c)
	if userID == "" {
		return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "A session is required")
	}

	status, err := svc.quotaSvc.Peek(c.Context(), userID, c.Params("resourceType"))
	if err != nil {
		log.WithError(err).Error("Quota peek failed")
		return shared.ResponseInternalError(c, err)
	}
	return shared.ResponseOK(c, status)
}

// @Summary Import a notes file
// @Description Accepts a notes file whose shape passed upload validation
// @Tags import
// @Accept multipart/form-data
// @Produce json
// @Router /api/v1/imports [post]
func (svc *HttpService) importNotes(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return shared.ResponseBadRequest(c, "Malformed multipart body")
	}

	accepted := make([]fiber.Map, 0, len(form.File["file"]))
	for _, file := range form.File["file"] {
		accepted = append(accepted, fiber.Map{
			"filename": file.Filename,
			"size":     file.Size,
		})
	}

	return shared.ResponseJSON(c, http.StatusAccepted, "Import accepted", accepted)
}

// @Summary Set a per-user quota override
// @Tags admin
// @Accept json
// @Produce json
// @Router /api/v1/admin/quota/{userId}/{resourceType} [post]
func (svc *HttpService) setQuotaOverride(c *fiber.Ctx) error {
	userID := c.Params("userId")
	resourceType := c.Params("resourceType")

	var req dto.QuotaOverrideRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseBadRequest(c, "Invalid request body")
	}
	if err := dto.GetValidator().Struct(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Validation failed", dto.FormatValidationErrors(err))
	}

	if err := svc.quotaSvc.SetOverride(c.Context(), userID, resourceType, *req.DailyLimit); err != nil {
		log.WithError(err).Error("Quota override upsert failed")
		return shared.ResponseInternalError(c, err)
	}

	log.WithFields(log.Fields{
		"user_id":       userID,
		"resource_type": resourceType,
		"daily_limit":   *req.DailyLimit,
	}).Info("Quota override set")
	return shared.ResponseOK(c, nil)
}

// createDevSession mints a short-lived session cookie so identity-keyed
// limits and quotas can be exercised without the real auth provider.
// Registered only when DEV_SESSION_SECRET is set.
func (svc *HttpService) createDevSession(c *fiber.Ctx) error {
	var req dto.SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.ResponseBadRequest(c, "Invalid request body")
	}
	if err := dto.GetValidator().Struct(&req); err != nil {
		return shared.ResponseJSON(c, http.StatusBadRequest, "Validation failed", dto.FormatValidationErrors(err))
	}

	expiresIn := 24 * time.Hour
	claims := jwt.RegisteredClaims{
		Subject:   req.UserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Issuer:    SERVICE_NAME,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(svc.devSessionSecret))
	if err != nil {
		return shared.ResponseInternalError(c, err)
	}

	if name := svc.identitySvc.CookieName(); name != "" {
		c.Cookie(&fiber.Cookie{
			Name:     name,
			Value:    token,
			Expires:  time.Now().Add(expiresIn),
			HTTPOnly: true,
		})
	}

	return shared.ResponseOK(c, dto.SessionResponse{
		Token:     token,
		ExpiresIn: int64(expiresIn.Seconds()),
	})
}
