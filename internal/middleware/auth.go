// Package middleware provides HTTP middleware for authentication, logging, tracing and rate limiting.
package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"agora/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var cfg *config.Config

// InitMiddleware initializes authentication middleware with the given config.
func InitMiddleware(c *config.Config) {
	cfg = c
}

var (
	errMissingSubject = errors.New("Invalid token structure - missing subject")
	errSubjectType    = errors.New("Invalid token subject type")
	errSubjectValue   = errors.New("Invalid user ID in token")
)

// AuthRequired is a middleware that enforces authentication for protected routes.
// Identity is taken from the "sub" claim of an HS256 bearer token.
func AuthRequired(c *fiber.Ctx) error {
	tokenString, ok := bearerToken(c.Get("Authorization"))
	if !ok {
		msg := "Invalid authorization header format"
		if c.Get("Authorization") == "" {
			msg = "Authorization header required"
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": msg})
	}
	return authenticate(c, tokenString)
}

// WebSocketAuthRequired validates the token from the "token" query parameter,
// falling back to the Authorization header.
func WebSocketAuthRequired(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Token required",
			})
		}
		var ok bool
		token, ok = bearerToken(authHeader)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}
	}
	return authenticate(c, token)
}

// ParseUserID validates tokenString and returns the user id in its subject.
func ParseUserID(tokenString string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, errors.New("Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("Invalid token claims")
	}
	subClaim, ok := claims["sub"]
	if !ok {
		return 0, errMissingSubject
	}
	subStr, ok := subClaim.(string)
	if !ok {
		return 0, errSubjectType
	}
	userID, err := strconv.ParseUint(subStr, 10, 32)
	if err != nil || userID == 0 {
		return 0, errSubjectValue
	}
	return uint(userID), nil
}

// IssueToken signs a short-lived token for userID. Only development tooling
// and tests mint tokens; production identities come from the auth service.
func IssueToken(secret string, userID uint, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticate(c *fiber.Ctx, tokenString string) error {
	userID, err := ParseUserID(tokenString)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	c.Locals("userID", userID)
	return c.Next()
}

func bearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
