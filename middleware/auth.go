package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"leadnexy/utils"
)

// Protected authenticates the calling service and stores the tenant id on the
// request context.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization required",
			})
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization format",
			})
		}

		claims, err := utils.ParseServiceToken(tokenParts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("tenantID", claims.TenantID)
		return c.Next()
	}
}

// TenantID reads the authenticated tenant off the request context.
func TenantID(c *fiber.Ctx) uint {
	if id, ok := c.Locals("tenantID").(uint); ok {
		return id
	}
	return 0
}
