package webguard

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestApp(t *testing.T) (*fiber.App, *Inspector) {
	t.Helper()
	ins := newTestInspector(t, nil, InspectorOptions{})
	app := fiber.New()
	app.Use(Middleware(ins))
	app.Get("/", func(c *fiber.Ctx) error {
		result, ok := ResultFromContext(c)
		if !ok {
			return fiber.ErrInternalServerError
		}
		return c.JSON(fiber.Map{"inspection": result.ID})
	})
	app.Get("/api/download", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app, ins
}

func TestMiddlewareAdmitsBenignRequest(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMiddlewareRejectsTraversal(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/download?file=../../etc/passwd", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestMiddlewareRateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.MaxRequests = 2
	ins := newTestInspector(t, cfg, InspectorOptions{})
	app := fiber.New()
	app.Use(Middleware(ins))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	var last int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		last = resp.StatusCode
	}
	assert.Equal(t, fiber.StatusTooManyRequests, last)
}

func TestMiddlewareResolvesForwardedSource(t *testing.T) {
	app, ins := newTestApp(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 198.51.100.1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	_, ok, err := ins.SourceReputation(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.True(t, ok, "tracker should key state on the forwarded client address")
}

func TestMiddlewareRejectsBlockedSource(t *testing.T) {
	app, ins := newTestApp(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "10.4.5.6")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	_, err = ins.BlockSource(context.Background(), "10.4.5.6")
	require.NoError(t, err)

	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	app := fiber.New()
	RegisterAdminRoutes(app.Group("/admin"), ins, AdminConfig{
		Username:     "admin",
		PasswordHash: string(hash),
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/admin/summary", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/admin/summary", nil)
	req.SetBasicAuth("admin", "s3cret")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/admin/summary", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAdminSourceLifecycle(t *testing.T) {
	ins := newTestInspector(t, nil, InspectorOptions{})
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	app := fiber.New()
	RegisterAdminRoutes(app.Group("/admin"), ins, AdminConfig{
		Username:     "admin",
		PasswordHash: string(hash),
	})

	do := func(method, target string) int {
		req := httptest.NewRequest(method, target, nil)
		req.SetBasicAuth("admin", "s3cret")
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNotFound, do("GET", "/admin/sources/10.0.0.9"))
	assert.Equal(t, fiber.StatusOK, do("POST", "/admin/sources/10.0.0.9/block"))
	assert.Equal(t, fiber.StatusOK, do("GET", "/admin/sources/10.0.0.9"))
	assert.Equal(t, fiber.StatusOK, do("POST", "/admin/sources/10.0.0.9/unblock"))
	assert.Equal(t, fiber.StatusOK, do("POST", "/admin/sources/10.0.0.9/reset"))
	assert.Equal(t, fiber.StatusOK, do("GET", "/admin/metrics"))
	assert.Equal(t, fiber.StatusOK, do("GET", "/admin/health"))
	assert.Equal(t, fiber.StatusOK, do("GET", "/admin/detections"))
}
