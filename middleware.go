package webguard

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// contextKey is the fiber locals key under which the inspection result is
// stored for downstream handlers.
const contextKey = "webguard_result"

// Middleware returns a fiber handler that inspects every request before it
// reaches the application. Rejected and block-recommended requests get 403,
// rate-limited requests get 429, everything else passes through with the
// result attached to the request locals.
func Middleware(ins *Inspector) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := RequestFromFiber(c)
		result := ins.Inspect(c.UserContext(), req)
		c.Locals(contextKey, result)

		switch result.Action {
		case ActionRejected, ActionBlockSuggested:
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "request rejected",
				"id":    result.ID,
			})
		case ActionRateLimited:
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
				"id":    result.ID,
			})
		}
		return c.Next()
	}
}

// ResultFromContext retrieves the inspection result a handler's request was
// admitted with, if any.
func ResultFromContext(c *fiber.Ctx) (InspectionResult, bool) {
	result, ok := c.Locals(contextKey).(InspectionResult)
	return result, ok
}

// RequestFromFiber normalizes a fiber request into the engine's input shape.
func RequestFromFiber(c *fiber.Ctx) RequestContext {
	headers := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		headers[key] = strings.Join(values, ", ")
	}
	return RequestContext{
		Source:    clientIP(c),
		Method:    c.Method(),
		Path:      c.Path(),
		Query:     string(c.Request().URI().QueryString()),
		Headers:   headers,
		Body:      string(c.Body()),
		Timestamp: time.Now(),
	}
}

// clientIP resolves the source address, preferring proxy-set headers over
// the socket peer.
func clientIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if fwd := c.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return c.IP()
}

// AdminConfig protects the administrative surface. PasswordHash is a bcrypt
// hash, never the plain credential.
type AdminConfig struct {
	Username     string
	PasswordHash string
}

// RegisterAdminRoutes mounts the administrative surface on router:
// reputation lookup and reset, manual block and unblock, the live detection
// summary, metrics and health.
func RegisterAdminRoutes(router fiber.Router, ins *Inspector, admin AdminConfig) {
	router.Use(basicAuth(admin))

	router.Get("/health", func(c *fiber.Ctx) error {
		if err := ins.HealthCheck(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	router.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(ins.Metrics().ExportPrometheus())
	})

	router.Get("/detections", func(c *fiber.Ctx) error {
		return c.JSON(ins.Ledger().Snapshot())
	})

	router.Get("/summary", func(c *fiber.Ctx) error {
		return c.JSON(ins.Ledger().Summary())
	})

	router.Get("/sources/:source", func(c *fiber.Ctx) error {
		rec, ok, err := ins.SourceReputation(c.UserContext(), c.Params("source"))
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown source"})
		}
		return c.JSON(rec)
	})

	router.Post("/sources/:source/block", func(c *fiber.Ctx) error {
		rec, err := ins.BlockSource(c.UserContext(), c.Params("source"))
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(rec)
	})

	router.Post("/sources/:source/unblock", func(c *fiber.Ctx) error {
		rec, err := ins.UnblockSource(c.UserContext(), c.Params("source"))
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(rec)
	})

	router.Post("/sources/:source/reset", func(c *fiber.Ctx) error {
		rec, err := ins.ResetSource(c.UserContext(), c.Params("source"))
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(rec)
	})
}

func basicAuth(admin AdminConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, pass, ok := parseBasicAuth(c.Get(fiber.HeaderAuthorization))
		if !ok || user != admin.Username {
			return unauthorized(c)
		}
		if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(pass)) != nil {
			return unauthorized(c)
		}
		return c.Next()
	}
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}

func unauthorized(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="webguard admin"`)
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
}
