package middleware

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/medichat-api/internal/utils"
)

// AccessTokenQuery is the query parameter accepted in place of the
// Authorization header. Browsers cannot set headers on websocket upgrades.
const AccessTokenQuery = "access_token"

var (
	errMissingToken   = errors.New("authorization header missing")
	errMalformedToken = errors.New("invalid authorization header")

	subjectClaims = []string{"sub", "user_id", "id"}
	roleClaims    = []string{"role", "roles"}
)

// JWTProtected validates HMAC-signed bearer tokens and binds the principal to
// the user_id and user_role locals read by handlers and the chat upgrade.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		raw, err := bearerToken(c)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}); err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		if userID, ok := subjectFromClaims(claims); ok {
			c.Locals("user_id", userID)
		}
		if role := roleFromClaims(claims); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if header == "" {
		if token := strings.TrimSpace(c.Query(AccessTokenQuery)); token != "" {
			return token, nil
		}
		return "", errMissingToken
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errMalformedToken
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errMalformedToken
	}
	return token, nil
}

func subjectFromClaims(claims jwt.MapClaims) (uint, bool) {
	for _, key := range subjectClaims {
		switch v := claims[key].(type) {
		case float64:
			if v > 0 && v <= math.MaxUint32 && v == math.Trunc(v) {
				return uint(v), true
			}
		case string:
			if parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil && parsed > 0 {
				return uint(parsed), true
			}
		}
	}
	return 0, false
}

func roleFromClaims(claims jwt.MapClaims) string {
	for _, key := range roleClaims {
		switch v := claims[key].(type) {
		case string:
			if role := normalizeRoleValue(v); role != "" {
				return role
			}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					if role := normalizeRoleValue(s); role != "" {
						return role
					}
				}
			}
		}
	}
	return ""
}
