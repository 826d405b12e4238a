package services

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/studyforge-app/studyforge_api/dto"
)

func testCtx(app *fiber.App, headers map[string]string) *fiber.Ctx {
	fctx := &fasthttp.RequestCtx{}
	fctx.Request.Header.SetMethod(fiber.MethodGet)
	fctx.Request.SetRequestURI("/api/v1/notes")
	for name, value := range headers {
		fctx.Request.Header.Set(name, value)
	}
	return app.AcquireCtx(fctx)
}

func TestParseLimitSpec(t *testing.T) {
	max, window, err := parseLimitSpec("600/1m")
	require.NoError(t, err)
	assert.Equal(t, 600, max)
	assert.Equal(t, time.Minute, window)

	max, window, err = parseLimitSpec(" 20 / 1h ")
	require.NoError(t, err)
	assert.Equal(t, 20, max)
	assert.Equal(t, time.Hour, window)

	for _, bad := range []string{"", "600", "zero/1m", "-5/1m", "10/never", "10/0s"} {
		_, _, err := parseLimitSpec(bad)
		assert.Error(t, err, "spec %q should be rejected", bad)
	}
}

func TestRateLimitDefaultProfiles(t *testing.T) {
	svc := NewRateLimitService(NewMemoryCounterStore(0, nil), NewIdentityService("studyforge"))

	for _, name := range []string{"api_general", "upload", "auth", "create"} {
		profile, ok := svc.Profile(name)
		require.True(t, ok, "profile %s should exist", name)
		assert.True(t, profile.IsActive)
		assert.Positive(t, profile.MaxRequests)
		assert.Positive(t, profile.Window)
	}

	upload, _ := svc.Profile("upload")
	assert.True(t, upload.ValidateUpload)

	auth, _ := svc.Profile("auth")
	assert.True(t, auth.IPOnly)
}

func TestRateLimitCheckUnknownProfileAdmits(t *testing.T) {
	svc := NewRateLimitService(NewMemoryCounterStore(0, nil), NewIdentityService("studyforge"))

	app := fiber.New()
	c := testCtx(app, nil)
	defer app.ReleaseCtx(c)

	allowed, info, err := svc.Check(c, "no_such_profile")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, -1, info.Remaining, "unlimited is signalled by a negative remaining")
}

func TestRateLimitCheckInactiveProfileAdmits(t *testing.T) {
	svc := NewRateLimitService(NewMemoryCounterStore(0, nil), NewIdentityService("studyforge"))
	svc.SetProfile(&RateLimitProfile{Name: "paused", MaxRequests: 1, Window: time.Minute, IsActive: false})

	app := fiber.New()
	c := testCtx(app, nil)
	defer app.ReleaseCtx(c)

	for i := 0; i < 5; i++ {
		allowed, _, err := svc.Check(c, "paused")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestRateLimitCheckCountsAndDenies(t *testing.T) {
	svc := NewRateLimitService(NewMemoryCounterStore(0, nil), NewIdentityService("studyforge"))
	svc.SetProfile(&RateLimitProfile{Name: "tight", MaxRequests: 2, Window: time.Minute, IsActive: true})

	app := fiber.New()
	c := testCtx(app, map[string]string{"X-Forwarded-For": "203.0.113.9"})
	defer app.ReleaseCtx(c)

	allowed, info, err := svc.Check(c, "tight")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, info.Remaining)
	require.NotNil(t, info.ResetTime)

	allowed, info, err = svc.Check(c, "tight")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, info.Remaining)

	allowed, info, err = svc.Check(c, "tight")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, 2, info.Limit)
}

func TestRateLimitKeyStrategies(t *testing.T) {
	identity := NewIdentityService("studyforge")
	svc := NewRateLimitService(NewMemoryCounterStore(0, nil), identity)

	app := fiber.New()
	c := testCtx(app, map[string]string{"X-Forwarded-For": "203.0.113.9"})
	defer app.ReleaseCtx(c)

	ipOnly := &RateLimitProfile{Name: "auth", IPOnly: true}
	assert.Equal(t, "auth:ip:203.0.113.9", svc.Key(c, ipOnly))

	plain := &RateLimitProfile{Name: "api_general"}
	assert.Equal(t, "api_general:ip:203.0.113.9", svc.Key(c, plain))

	custom := &RateLimitProfile{Name: "global", KeyFunc: func(c *fiber.Ctx) string { return "global:all" }}
	assert.Equal(t, "global:all", svc.Key(c, custom))
}

func TestRateLimitStatsAndUpdateConcurrently(t *testing.T) {
	svc := NewRateLimitService(NewMemoryCounterStore(0, nil), NewIdentityService("studyforge"))

	app := fiber.New()
	app.Get("/stats", svc.GetRateLimitStats())
	app.Put("/config/:profile", svc.UpdateProfile())

	// Stats snapshots must not observe profile fields mid-update.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			body, err := sonic.Marshal(dto.RateLimitConfigUpdateRequest{MaxRequests: i})
			if !assert.NoError(t, err) {
				return
			}
			req := httptest.NewRequest(http.MethodPut, "/config/api_general", bytes.NewReader(body))
			req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			resp, err := app.Test(req)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				resp.Body.Close()
			}
		}
	}()

	for i := 0; i < 50; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/stats", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	wg.Wait()

	profile, ok := svc.Profile("api_general")
	require.True(t, ok)
	assert.Equal(t, 50, profile.MaxRequests)
}

func TestRateLimitCustomKeyFuncSharesOneCounter(t *testing.T) {
	svc := NewRateLimitService(NewMemoryCounterStore(0, nil), NewIdentityService("studyforge"))
	svc.SetProfile(&RateLimitProfile{
		Name:        "global",
		MaxRequests: 1,
		Window:      time.Minute,
		IsActive:    true,
		KeyFunc:     func(c *fiber.Ctx) string { return "global:all" },
	})

	app := fiber.New()

	first := testCtx(app, map[string]string{"X-Forwarded-For": "198.51.100.7"})
	allowed, _, err := svc.Check(first, "global")
	app.ReleaseCtx(first)
	require.NoError(t, err)
	assert.True(t, allowed)

	// A different caller lands in the same bucket.
	second := testCtx(app, map[string]string{"X-Forwarded-For": "203.0.113.9"})
	allowed, _, err = svc.Check(second, "global")
	app.ReleaseCtx(second)
	require.NoError(t, err)
	assert.False(t, allowed)
}
