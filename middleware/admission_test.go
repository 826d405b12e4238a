package middleware

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyforge-app/studyforge_api/dto"
	"github.com/studyforge-app/studyforge_api/services"
)

func newTestApp(t *testing.T, profile *services.RateLimitProfile) (*fiber.App, *services.RateLimitService) {
	t.Helper()

	store := services.NewMemoryCounterStore(0, nil)
	limiter := services.NewRateLimitService(store, services.NewIdentityService("studyforge"))
	if profile != nil {
		limiter.SetProfile(profile)
	}
	admission := NewAdmissionMiddleware(services.NewThreatService(), limiter)

	app := fiber.New()
	app.Get("/api/v1/notes", admission.Admit(profile.Name), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})
	app.Post("/api/v1/imports", admission.Admit(profile.Name), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusAccepted)
	})
	return app, limiter
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()

	req.Header.Set(fiber.HeaderUserAgent, "Mozilla/5.0 (tests)")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestAdmitRateLimitExceeded(t *testing.T) {
	app, _ := newTestApp(t, &services.RateLimitProfile{
		Name:        "api_general",
		MaxRequests: 3,
		Window:      time.Minute,
		Description: "general api requests",
		IsActive:    true,
	})

	for i := 1; i <= 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		resp, _ := doRequest(t, app, req)

		assert.Equal(t, http.StatusOK, resp.StatusCode, "request %d should pass", i)
		assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(3-i), resp.Header.Get("X-RateLimit-Remaining"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	resp, body := doRequest(t, app, req)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retryAfter)

	var payload dto.RateLimitedResponse
	require.NoError(t, sonic.Unmarshal(body, &payload))
	assert.Equal(t, "Too Many Requests", payload.Error)
	assert.Equal(t, retryAfter, payload.RetryAfter)
}

func TestAdmitSeparateCallersSeparateBuckets(t *testing.T) {
	app, _ := newTestApp(t, &services.RateLimitProfile{
		Name:        "api_general",
		MaxRequests: 1,
		Window:      time.Minute,
		IsActive:    true,
	})

	first := httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil)
	first.Header.Set("X-Forwarded-For", "198.51.100.7")
	resp, _ := doRequest(t, app, first)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	again := httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil)
	again.Header.Set("X-Forwarded-For", "198.51.100.7")
	resp, _ = doRequest(t, app, again)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	other := httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil)
	other.Header.Set("X-Forwarded-For", "203.0.113.9")
	resp, _ = doRequest(t, app, other)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a different caller keeps their own allowance")
}

func TestAdmitBlocksAttackPatterns(t *testing.T) {
	app, _ := newTestApp(t, &services.RateLimitProfile{
		Name:        "api_general",
		MaxRequests: 10,
		Window:      time.Minute,
		IsActive:    true,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notes?q=%27%20OR%20%271%27%3D%271", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	resp, body := doRequest(t, app, req)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload dto.BlockedResponse
	require.NoError(t, sonic.Unmarshal(body, &payload))
	assert.Equal(t, "Request blocked", payload.Error)
	assert.NotEmpty(t, payload.Details)

	// A blocked request never reaches the counter.
	clean := httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil)
	clean.Header.Set("X-Forwarded-For", "198.51.100.7")
	resp, _ = doRequest(t, app, clean)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestAdmitUnknownProfileAdmits(t *testing.T) {
	store := services.NewMemoryCounterStore(0, nil)
	limiter := services.NewRateLimitService(store, services.NewIdentityService("studyforge"))
	admission := NewAdmissionMiddleware(services.NewThreatService(), limiter)

	app := fiber.New()
	app.Get("/api/v1/notes", admission.Admit("never_configured"), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notes", nil)
	resp, _ := doRequest(t, app, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestAdmitUploadStage(t *testing.T) {
	profile := &services.RateLimitProfile{
		Name:           "upload",
		MaxRequests:    10,
		Window:         time.Hour,
		MaxBodyBytes:   1 << 20,
		ValidateUpload: true,
		IsActive:       true,
	}

	t.Run("accepts a known file type", func(t *testing.T) {
		app, _ := newTestApp(t, profile)
		body, contentType := multipartBody(t, "file", "biology-notes.md", "# Cell structure\n")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
		req.Header.Set(fiber.HeaderContentType, contentType)
		resp, _ := doRequest(t, app, req)

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("rejects a non-multipart carrier", func(t *testing.T) {
		app, _ := newTestApp(t, profile)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"file":"x"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, body := doRequest(t, app, req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var payload dto.BlockedResponse
		require.NoError(t, sonic.Unmarshal(body, &payload))
		assert.Equal(t, "File import rejected", payload.Message)
	})

	t.Run("rejects an unknown extension", func(t *testing.T) {
		app, _ := newTestApp(t, profile)
		body, contentType := multipartBody(t, "file", "payload.exe", "MZ")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
		req.Header.Set(fiber.HeaderContentType, contentType)
		resp, _ := doRequest(t, app, req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects a missing file field", func(t *testing.T) {
		app, _ := newTestApp(t, profile)
		body, contentType := multipartBody(t, "attachment", "notes.txt", "text")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
		req.Header.Set(fiber.HeaderContentType, contentType)
		resp, _ := doRequest(t, app, req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
