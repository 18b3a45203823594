package api

import (
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// tokenAuth checks the request token against a bcrypt hash. An empty hash
// disables the check. Verified tokens are remembered by digest so bcrypt runs
// once per distinct token.
func tokenAuth(hash string, public map[string]bool) fiber.Handler {
	if hash == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	var verified sync.Map // [32]byte -> struct{}

	return func(c *fiber.Ctx) error {
		if public[c.Path()] || c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		token := extractToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Authentication required",
			})
		}

		key := sha256.Sum256([]byte(token))
		if _, ok := verified.Load(key); !ok {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"success": false,
					"error":   "Invalid token",
				})
			}
			verified.Store(key, struct{}{})
		}
		return c.Next()
	}
}

// extractToken checks, in order: Authorization Bearer, Authorization plain,
// x-api-key.
func extractToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if authHeader != "" {
		return authHeader
	}
	return c.Get("x-api-key")
}
