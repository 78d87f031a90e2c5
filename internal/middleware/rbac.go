package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment/internal/utils"
)

// Roles recognised in token claims. Students take assessments; teachers and
// admins author definitions and review results across students.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

type roleSet map[string]struct{}

func newRoleSet(roles []string) roleSet {
	set := make(roleSet, len(roles))
	for _, role := range roles {
		if normalized := normalizeRoleValue(role); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func (s roleSet) contains(role string) bool {
	_, ok := s[role]
	return ok
}

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := newRoleSet(roles)

	return func(c *fiber.Ctx) error {
		role := Role(c)
		if role == "" {
			return utils.SendErrorWithCode(c, fiber.StatusForbidden, "role_missing", "role claim missing", nil)
		}
		if !allowed.contains(role) {
			return utils.SendErrorWithCode(c, fiber.StatusForbidden, "forbidden", "insufficient permissions", nil)
		}
		return c.Next()
	}
}

// Role returns the normalised role of the authenticated caller, or "".
func Role(c *fiber.Ctx) string {
	return normalizeRoleValue(c.Locals("user_role"))
}

// HasRole reports whether the caller holds any of roles.
func HasRole(c *fiber.Ctx, roles ...string) bool {
	role := Role(c)
	return role != "" && newRoleSet(roles).contains(role)
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
