package middleware

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuthMiddleware validates the shared-secret Authorization header the
// payment gateway sends on notify callbacks. An unauthenticated callback is
// rejected before it can touch transaction state.
func GatewayAuthMiddleware(gatewaySecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 {
			return writeGatewayAuthError(c)
		}

		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return writeGatewayAuthError(c)
		}

		if subtle.ConstantTimeCompare(decoded, []byte(gatewaySecret)) != 1 {
			return writeGatewayAuthError(c)
		}

		return c.Next()
	}
}

func writeGatewayAuthError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "authorization invalid",
	})
}
