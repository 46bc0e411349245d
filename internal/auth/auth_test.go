package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/tracker-sync/internal/domain"
	apperrors "github.com/opsdesk/tracker-sync/pkg/util/errorutil"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	token, expiresAt, err := tm.GenerateToken("agent-7", domain.RoleAgent)
	require.NoError(t, err)
	assert.False(t, expiresAt.IsZero())

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.Subject)
	assert.Equal(t, domain.RoleAgent, claims.Role)
}

func TestTokenRejectsUnknownRoleAndForeignSecret(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	_, _, err := tm.GenerateToken("x", domain.Role("ADMIN"))
	assert.Error(t, err)

	token, _, err := NewTokenManager("other", 5).GenerateToken("x", domain.RoleOperator)
	require.NoError(t, err)
	_, err = tm.ParseToken(token)
	assert.Error(t, err)
}

func newProtectedApp(tm *TokenManager) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.Status(de.HTTPStatus).JSON(fiber.Map{"code": de.Code})
		},
	})
	app.Get("/ops", NewAuthMiddleware(tm).Handle, RequireRole(domain.RoleOperator), func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return fiber.ErrUnauthorized
		}
		return c.SendString(principal.Actor().ID)
	})
	return app
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	app := newProtectedApp(tm)
	operator, _, err := tm.GenerateToken("op-1", domain.RoleOperator)
	require.NoError(t, err)
	agent, _, err := tm.GenerateToken("agent-1", domain.RoleAgent)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"agent", "Bearer " + agent, http.StatusForbidden},
		{"operator", "Bearer " + operator, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestTokenRejectsForeignIssuerAndMissingSubject(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	_, _, err := tm.GenerateToken("", domain.RoleAgent)
	assert.Error(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: domain.RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "op-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := foreign.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tm.ParseToken(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}
