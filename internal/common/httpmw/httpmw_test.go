package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kandev/fwagent/internal/common/logger"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	log := logger.FromZap(zap.New(core))

	router := gin.New()
	router.Use(OtelTracing("test"), RequestLogger(log, "test"))
	router.GET("/ok/:name", func(c *gin.Context) { c.String(http.StatusOK, "hi") })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok/main", "/boom"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zap.DebugLevel, entries[0].Level)
		assert.Equal(t, "/ok/:name", entries[0].ContextMap()["path"])
		assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
		assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	}
}
