// Package api exposes the dispatcher over HTTP: framework management for
// operators and a WebSocket transport for Supervisor links.
package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/errors"
	"github.com/kandev/fwagent/internal/common/httpmw"
	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/remote/dispatcher"
	"github.com/kandev/fwagent/internal/remote/session"
	"github.com/kandev/fwagent/pkg/remote/wsconn"
)

// FrameworkSummary is one entry of the framework listing.
type FrameworkSummary struct {
	Name       string    `json:"name"`
	Factory    string    `json:"factory"`
	State      string    `json:"state"`
	Sessions   int       `json:"sessions"`
	StorageDir string    `json:"storageDir"`
	CacheDir   string    `json:"cacheDir"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CreateFrameworkRequest is the body of POST /api/v1/frameworks.
type CreateFrameworkRequest struct {
	Name       string            `json:"name" binding:"required"`
	Properties map[string]string `json:"properties"`
	Reuse      bool              `json:"reuse"`
}

type Handlers struct {
	dispatcher *dispatcher.Dispatcher
	logger     *logger.Logger
}

func NewHandlers(d *dispatcher.Dispatcher, log *logger.Logger) *Handlers {
	return &Handlers{
		dispatcher: d,
		logger:     log.WithFields(zap.String("component", "api-handlers")),
	}
}

// NewRouter builds the gin engine serving every route.
func NewRouter(d *dispatcher.Dispatcher, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.OtelTracing("fwagent-api"), httpmw.RequestLogger(log, "fwagent"))
	RegisterRoutes(router, d, log)
	return router
}

func RegisterRoutes(router *gin.Engine, d *dispatcher.Dispatcher, log *logger.Logger) {
	handlers := NewHandlers(d, log)
	router.GET("/health", handlers.httpHealth)
	api := router.Group("/api/v1")
	api.GET("/frameworks", handlers.httpListFrameworks)
	api.POST("/frameworks", handlers.httpCreateFramework)
	api.GET("/frameworks/:name", handlers.httpGetFramework)
	api.DELETE("/frameworks/:name", handlers.httpDeleteFramework)
	api.GET("/frameworks/:name/modules", handlers.httpListModules)
	api.GET("/frameworks/:name/link", handlers.httpLink)
	api.GET("/envoy", handlers.httpEnvoy)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "frameworks": len(h.dispatcher.List())})
}

func (h *Handlers) httpListFrameworks(c *gin.Context) {
	out := []FrameworkSummary{}
	for _, desc := range h.dispatcher.List() {
		out = append(out, summarize(desc))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) httpCreateFramework(c *gin.Context) {
	var req CreateFrameworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	var (
		desc *dispatcher.Descriptor
		err  error
	)
	if req.Reuse {
		desc, err = h.dispatcher.CreateOrReuse(c.Request.Context(), req.Name, req.Properties, true)
	} else {
		desc, err = h.dispatcher.CreateFramework(c.Request.Context(), req.Name, req.Properties, "", "")
	}
	if err != nil {
		h.fail(c, "failed to create framework", err)
		return
	}
	c.JSON(http.StatusCreated, summarize(desc))
}

func (h *Handlers) httpGetFramework(c *gin.Context) {
	desc, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Snapshot(desc.Framework))
}

func (h *Handlers) httpDeleteFramework(c *gin.Context) {
	if err := h.dispatcher.CloseFramework(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, "failed to close framework", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpListModules(c *gin.Context) {
	desc, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Snapshot(desc.Framework).Bundles)
}

var linkUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits non-browser clients and same-host or loopback origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return strings.EqualFold(u.Host, r.Host)
}

// httpLink upgrades to a WebSocket and attaches it as a session on the named framework.
func (h *Handlers) httpLink(c *gin.Context) {
	desc, ok := h.lookup(c)
	if !ok {
		return
	}
	ws, err := linkUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	// the session outlives the request
	if _, err := h.dispatcher.Attach(context.WithoutCancel(c.Request.Context()), desc, wsconn.New(ws)); err != nil {
		h.logger.Warn("failed to attach websocket link", zap.String("framework", desc.Name), zap.Error(err))
	}
}

// httpEnvoy upgrades to a WebSocket served by the envoy handshake.
func (h *Handlers) httpEnvoy(c *gin.Context) {
	ws, err := linkUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.dispatcher.Envoy(wsconn.New(ws))
}

func (h *Handlers) lookup(c *gin.Context) (*dispatcher.Descriptor, bool) {
	name := c.Param("name")
	desc, ok := h.dispatcher.Get(name)
	if !ok {
		h.fail(c, "framework lookup failed", errors.NotFound("framework", name))
		return nil, false
	}
	return desc, true
}

func (h *Handlers) fail(c *gin.Context, msg string, err error) {
	status := errors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Debug(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func summarize(desc *dispatcher.Descriptor) FrameworkSummary {
	return FrameworkSummary{
		Name:       desc.Name,
		Factory:    desc.Factory,
		State:      desc.Framework.State().String(),
		Sessions:   len(desc.Sessions()),
		StorageDir: desc.StorageDir,
		CacheDir:   desc.CacheDir,
		CreatedAt:  desc.CreatedAt,
	}
}
