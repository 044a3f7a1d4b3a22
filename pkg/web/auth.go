package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
)

const (
	// HeaderAPIKey carries the service key of internal callers.
	HeaderAPIKey = "X-API-Key"

	developerLocal = "developer_id"
)

var ErrInvalidToken = errors.New("invalid developer token")

// DeveloperAuthenticator resolves a bearer token to a developer id.
type DeveloperAuthenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// StaticTokens maps bearer tokens to developer ids.
type StaticTokens map[string]string

func (s StaticTokens) Authenticate(_ context.Context, token string) (string, error) {
	for known, developerID := range s {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return developerID, nil
		}
	}

	return "", ErrInvalidToken
}

// ParseDeveloperTokens reads a comma separated list of developer:token pairs.
func ParseDeveloperTokens(raw string) (StaticTokens, error) {
	tokens := StaticTokens{}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		developerID, token, ok := strings.Cut(pair, ":")
		if !ok || developerID == "" || token == "" {
			return nil, fmt.Errorf("invalid developer token entry %q, expected developer:token", pair)
		}

		tokens[token] = developerID
	}

	return tokens, nil
}

// RequireDeveloper rejects requests without a valid bearer token and stores
// the developer id for DeveloperID.
func RequireDeveloper(auth DeveloperAuthenticator) fiber.Handler {
	return func(c fiber.Ctx) error {
		scheme, token, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return unauthorized(c, "missing bearer token")
		}

		developerID, err := auth.Authenticate(c, strings.TrimSpace(token))
		if err != nil {
			return unauthorized(c, err.Error())
		}

		c.Locals(developerLocal, developerID)

		return c.Next()
	}
}

// RequireServiceKey only lets through requests carrying key. An empty key
// rejects everything.
func RequireServiceKey(key string) fiber.Handler {
	return func(c fiber.Ctx) error {
		given := c.Get(HeaderAPIKey)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(given)) != 1 {
			return unauthorized(c, "invalid service key")
		}

		return c.Next()
	}
}

// DeveloperID returns the developer authenticated by RequireDeveloper.
func DeveloperID(c fiber.Ctx) string {
	id, _ := c.Locals(developerLocal).(string)

	return id
}
