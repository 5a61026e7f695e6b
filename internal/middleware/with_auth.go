package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/medichat-api/internal/utils"
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	// Roles restricts access to the listed roles. Empty allows any role.
	Roles       []string
	RequireUser bool
}

// WithAuth wraps a handler with basic authentication/authorization guards.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	allowed := make(map[string]struct{}, len(opts.Roles))
	for _, role := range opts.Roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	requireUser := opts.RequireUser || len(allowed) > 0

	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(uint)
		if requireUser && userID == 0 {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}

		if len(allowed) > 0 {
			if _, ok := allowed[normalizeRoleValue(c.Locals("user_role"))]; !ok {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		}

		return handler(c)
	}
}

// RequireRoles is a route guard admitting only authenticated users holding one of roles.
func RequireRoles(roles ...string) fiber.Handler {
	return WithAuth(func(c *fiber.Ctx) error { return c.Next() }, AuthOptions{Roles: roles})
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		if value == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
