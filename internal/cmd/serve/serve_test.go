package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUpgradeRequest(t *testing.T) {
	t.Run("websocket handshake is an upgrade", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/chat/x", nil)
		req.Header.Set("Connection", "keep-alive, Upgrade")
		req.Header.Set("Upgrade", "websocket")
		require.True(t, isUpgradeRequest(req))
	})

	t.Run("plain request is not an upgrade", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isUpgradeRequest(req))
	})

	t.Run("other protocols are not websocket upgrades", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "h2c")
		require.False(t, isUpgradeRequest(req))
	})
}

func TestMaxBodySizeMiddleware_EnforcesLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/conversations", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMaxBodySizeMiddleware_AllowsSmallBodies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(64))
	router.POST("/v1/conversations", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}

func TestStartServer(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a real listener")
	}
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "chat.db")
	cfg.JWTSecret = "test-secret"
	cfg.Listener.Port = 0
	ctx := config.WithContext(context.Background(), &cfg)

	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(shutdownCtx))
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)
	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/v1/auth/login", "application/json", strings.NewReader(`{"username":"nobody","password":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var env struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, 404, env.Code)
}
