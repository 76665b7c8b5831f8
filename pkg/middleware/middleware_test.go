package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"freight-controlplane/pkg/actor"
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.Issuer = "freight-escrow"
	return cfg
}

func newEngine(cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(Error())
	g := r.Group("", Auth(cfg))
	g.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, Actor(c))
	})
	g.GET("/admin", RequireRole(actor.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errutil.Conflict("contract changed concurrently", nil))
	})
	r.GET("/panic-free", func(c *gin.Context) {
		_ = c.Error(errors.New("raw"))
	})
	return r
}

func do(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	r := newEngine(cfg)

	w := do(r, "/me", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "/me", "garbage")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := IssueToken(cfg, "user-1", actor.RoleUser, time.Hour)
	require.NoError(t, err)

	w = do(r, "/me", token)
	require.Equal(t, http.StatusOK, w.Code)
	var got actor.Actor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, actor.RoleUser, got.Role)

	w = do(r, "/admin", token)
	require.Equal(t, http.StatusForbidden, w.Code)

	admin, err := IssueToken(cfg, "ops", actor.RoleAdmin, time.Hour)
	require.NoError(t, err)
	w = do(r, "/admin", admin)
	require.Equal(t, http.StatusNoContent, w.Code)

	expired, err := IssueToken(cfg, "user-1", actor.RoleUser, -time.Minute)
	require.NoError(t, err)
	w = do(r, "/me", expired)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestErrorEnvelope(t *testing.T) {
	r := newEngine(testConfig())

	w := do(r, "/boom", "")
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, false, body["success"])
	require.Equal(t, "CONFLICT", body["code"])
	require.Equal(t, "contract changed concurrently", body["message"])

	w = do(r, "/panic-free", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "INTERNAL", body["code"])
}
