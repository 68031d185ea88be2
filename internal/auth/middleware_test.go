package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(t *testing.T, header string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	if header != "" {
		c.Request.Header.Set("Authorization", header)
	}
	return c, w
}

func issue(t *testing.T, role Role) string {
	t.Helper()
	token, err := NewVerifier(testSecret).Issue(Identity{Subject: "user_" + string(role), Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestMiddleware_ValidToken_SetsIdentity(t *testing.T) {
	c, _ := newTestContext(t, "Bearer "+issue(t, RoleClient))

	Middleware(NewVerifier(testSecret))(c)

	id, ok := GetIdentity(c)
	require.True(t, ok)
	assert.Equal(t, "user_client", id.Subject)
	assert.True(t, IsAuthenticated(c))
}

func TestMiddleware_InvalidToken_DoesNotAbort(t *testing.T) {
	c, _ := newTestContext(t, "Bearer nope")

	Middleware(NewVerifier(testSecret))(c)

	assert.False(t, c.IsAborted())
	assert.False(t, IsAuthenticated(c))
}

func TestRequireAuth(t *testing.T) {
	c, w := newTestContext(t, "")
	RequireAuth()(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, _ = newTestContext(t, "")
	c.Set(ContextKeyIdentity, &Identity{Subject: "u1", Role: RoleClient})
	RequireAuth()(c)
	assert.False(t, c.IsAborted())
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		wantCode int
		aborted  bool
	}{
		{"unauthenticated", nil, http.StatusUnauthorized, true},
		{"wrong role", &Identity{Subject: "c1", Role: RoleClient}, http.StatusForbidden, true},
		{"allowed", &Identity{Subject: "p1", Role: RoleProvider}, http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newTestContext(t, "")
			if tt.identity != nil {
				c.Set(ContextKeyIdentity, tt.identity)
			}
			RequireRole(RoleProvider, RoleAdmin)(c)
			assert.Equal(t, tt.aborted, c.IsAborted())
			if tt.aborted {
				assert.Equal(t, tt.wantCode, w.Code)
			}
		})
	}
}

func TestRequireAdmin_AdminTokenPasses(t *testing.T) {
	c, _ := newTestContext(t, "")
	c.Set(ContextKeyIdentity, &Identity{Subject: "ops", Role: RoleAdmin})

	RequireAdmin("")(c)

	assert.False(t, c.IsAborted())
}

func TestRequireAdmin_NoSecret_Unauthenticated(t *testing.T) {
	c, w := newTestContext(t, "")

	RequireAdmin("")(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	c, _ := newTestContext(t, "")
	c.Request.Header.Set("X-Admin-Secret", "supersecret123")

	RequireAdmin("supersecret123")(c)

	require.False(t, c.IsAborted())
	id, ok := GetIdentity(c)
	require.True(t, ok)
	assert.True(t, id.IsAdmin())
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	c, w := newTestContext(t, "")
	c.Request.Header.Set("X-Admin-Secret", "wrongsecret")

	RequireAdmin("supersecret123")(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin_NonAdminToken(t *testing.T) {
	c, w := newTestContext(t, "")
	c.Set(ContextKeyIdentity, &Identity{Subject: "c1", Role: RoleClient})

	RequireAdmin("supersecret123")(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddleware_WebSocketQueryToken(t *testing.T) {
	tok := issue(t, RoleProvider)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/ws?access_token="+tok, nil)
	c.Request.Header.Set("Upgrade", "websocket")
	Middleware(NewVerifier(testSecret))(c)
	id, ok := GetIdentity(c)
	require.True(t, ok)
	assert.Equal(t, RoleProvider, id.Role)

	// Plain requests must use the header.
	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request, _ = http.NewRequest("GET", "/v1/escrows?access_token="+tok, nil)
	Middleware(NewVerifier(testSecret))(c)
	_, ok = GetIdentity(c)
	assert.False(t, ok)
}
