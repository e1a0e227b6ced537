package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"mailcadence/config"
)

// CronAuth guards the internal trigger endpoints with a static shared
// secret. Callers present it in X-Cron-Token.
func CronAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := config.AppConfig.CronSecret
		if secret == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Cron secret is not configured",
			})
		}

		token := c.Get("X-Cron-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or missing cron token",
			})
		}
		return c.Next()
	}
}
