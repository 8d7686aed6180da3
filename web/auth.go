package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const authCookie = "auth"

// GenerateToken signs subject with secretKey. The token is accepted as a bearer token or as the
// value of the auth cookie.
func GenerateToken(subject, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(subject))
	signature := mac.Sum(nil)
	return base64.StdEncoding.EncodeToString([]byte(subject)) + "|" + base64.StdEncoding.EncodeToString(signature)
}

func isValidAuthToken(token, secretKey string) bool {
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return false
	}
	subject, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(subject) == 0 {
		return false
	}
	expectedMac, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write(subject)
	return hmac.Equal(expectedMac, mac.Sum(nil))
}

func requestToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := c.Cookie(authCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func authMiddleware(secretKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if secretKey == "" {
			return next
		}
		return func(c echo.Context) error {
			if !isValidAuthToken(requestToken(c), secretKey) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or missing token"})
			}
			return next(c)
		}
	}
}
