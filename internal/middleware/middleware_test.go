package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"posapproval/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("middleware-test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

func tokenFor(t *testing.T, role string) (string, *model.User) {
	t.Helper()
	user := &model.User{ID: uuid.New(), Username: "u-" + role, Role: role}
	token, err := IssueToken(secret, "test", time.Hour, user, time.Now())
	require.NoError(t, err)
	return token, user
}

func protected(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	chain := append([]gin.HandlerFunc{Authenticate(secret)}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		p, _ := CurrentPrincipal(c)
		c.String(http.StatusOK, p.ID.String())
	})
	r.GET("/p", chain...)
	return r
}

func do(r http.Handler, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestParseTokenRoundTrip(t *testing.T) {
	token, user := tokenFor(t, model.RoleManager)

	p, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.ID)
	assert.Equal(t, model.TierManager, p.Tier)

	_, err = ParseToken([]byte("other"), token)
	assert.Error(t, err)

	expired, err := IssueToken(secret, "test", time.Minute, user, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	r := protected()
	token, user := tokenFor(t, model.RoleCashier)

	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, func(req *http.Request) {
		req.Header.Set("Authorization", "Token "+token)
	}).Code)

	w := do(r, func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, user.ID.String(), w.Body.String())

	w = do(r, func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "access_token", Value: token}) })
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireTier(t *testing.T) {
	r := protected(RequireTier(model.TierManager))

	for role, want := range map[string]int{
		model.RoleCashier:     http.StatusForbidden,
		model.RoleShiftLead:   http.StatusForbidden,
		model.RoleManager:     http.StatusOK,
		model.RoleAreaManager: http.StatusOK,
		model.RoleAdmin:       http.StatusOK,
	} {
		token, _ := tokenFor(t, role)
		w := do(r, func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) })
		assert.Equal(t, want, w.Code, role)
	}
}

func TestRequireRole(t *testing.T) {
	r := protected(RequireRole(model.RoleAdmin))

	admin, _ := tokenFor(t, model.RoleAdmin)
	manager, _ := tokenFor(t, model.RoleManager)
	assert.Equal(t, http.StatusOK, do(r, func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+admin) }).Code)
	assert.Equal(t, http.StatusForbidden, do(r, func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+manager) }).Code)
}

func TestRateLimiterIsPerCaller(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	r := protected(limiter.Middleware())
	first, _ := tokenFor(t, model.RoleManager)
	second, _ := tokenFor(t, model.RoleManager)
	bearer := func(token string) func(*http.Request) {
		return func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
	}

	assert.Equal(t, http.StatusOK, do(r, bearer(first)).Code)
	assert.Equal(t, http.StatusOK, do(r, bearer(first)).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, bearer(first)).Code)

	// another caller has its own bucket
	assert.Equal(t, http.StatusOK, do(r, bearer(second)).Code)
}
