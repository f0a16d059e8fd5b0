package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-marker/internal/utils"
)

// Roles recognised by the marking API.
const (
	RoleAdmin    = "admin"
	RoleExaminer = "examiner"
	RoleTeacher  = "teacher"
	RoleStudent  = "student"
)

const (
	subjectLocal = "subject"
	roleLocal    = "user_role"
)

// JWTProtected returns a middleware that validates HMAC-signed bearer tokens and exposes
// the subject and role claims to later handlers.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "Bearer "
		if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		tokenString := strings.TrimSpace(authorization[len(bearer):])
		if tokenString == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		if subject := subjectFromClaims(claims); subject != "" {
			c.Locals(subjectLocal, subject)
		}
		if role := roleFromClaims(claims); role != "" {
			c.Locals(roleLocal, role)
		}

		return c.Next()
	}
}

// RequireRole ensures that the authenticated caller possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := allowed[Role(c)]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

// RequireStudentOrStaff lets staff roles through and students only for their own :param.
func RequireStudentOrStaff(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch Role(c) {
		case RoleAdmin, RoleExaminer, RoleTeacher:
			return c.Next()
		case RoleStudent:
			if subject := Subject(c); subject != "" && subject == c.Params(param) {
				return c.Next()
			}
		}
		return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
	}
}

// Subject returns the token subject bound to the request.
func Subject(c *fiber.Ctx) string {
	if value, ok := c.Locals(subjectLocal).(string); ok {
		return value
	}
	return ""
}

// Role returns the normalised role bound to the request.
func Role(c *fiber.Ctx) string {
	if value, ok := c.Locals(roleLocal).(string); ok {
		return value
	}
	return ""
}

func subjectFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"sub", "user_id", "id"} {
		switch value := claims[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case float64:
			if value >= 0 {
				return strconv.FormatFloat(value, 'f', -1, 64)
			}
		}
	}
	return ""
}

func roleFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"role", "roles"} {
		switch value := claims[key].(type) {
		case string:
			if role := strings.ToLower(strings.TrimSpace(value)); role != "" {
				return role
			}
		case []interface{}:
			for _, item := range value {
				if str, ok := item.(string); ok {
					if role := strings.ToLower(strings.TrimSpace(str)); role != "" {
						return role
					}
				}
			}
		}
	}
	return ""
}
