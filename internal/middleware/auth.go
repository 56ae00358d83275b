package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/auth"
	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/rbac"
	"go.uber.org/zap"
)

const (
	CtxOperatorID = "operator_id"
	CtxRole       = "role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenStr, ok := bearerToken(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or invalid authorization header"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxOperatorID, claims.OperatorID)
		c.Locals(CtxRole, claims.Role)

		return c.Next()
	}
}

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter for websocket upgrades.
func bearerToken(c *fiber.Ctx) (string, bool) {
	header := c.Get("Authorization")
	if header == "" {
		if q := c.Query("token"); q != "" {
			return q, true
		}
		return "", false
	}
	tokenStr := strings.TrimPrefix(header, "Bearer ")
	if tokenStr == header || tokenStr == "" {
		return "", false
	}
	return tokenStr, true
}

func GetOperatorID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxOperatorID).(uuid.UUID)
	return id
}

func GetRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxRole).(string)
	return role
}

// RequirePermission rejects callers whose role lacks permission.
func RequirePermission(permission string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := GetRole(c)
		if !rbac.HasPermission(role, permission) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "permission denied"})
		}
		if rbac.IsOverride(permission) {
			log.Info("manual override requested",
				zap.String("operator_id", GetOperatorID(c).String()),
				zap.String("role", role),
				zap.String("path", c.Path()),
			)
		}
		return c.Next()
	}
}
