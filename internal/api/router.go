// Package api wires the HTTP surface: the print API, the admin API, the
// upload page, health and metrics endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/api/handlers"
	"github.com/orrn/httprint/internal/api/middleware"
	"github.com/orrn/httprint/internal/config"
	"github.com/orrn/httprint/internal/core"
	"github.com/orrn/httprint/internal/logger"
	"github.com/orrn/httprint/internal/metrics"
)

const maxMultipartMemory = 8 << 20

type Spooler interface {
	handlers.PrintService
	handlers.JobService
}

// Deps are the components behind the routes. Optional ones are nil when
// their feature is disabled.
type Deps struct {
	Config  *config.Config
	Spooler Spooler
	Logger  *zap.Logger
	TLS     bool

	Auth     *middleware.AuthMiddleware
	Ledger   handlers.HistoryService
	Archiver handlers.ArchiveService
	Webhooks handlers.WebhookService
	Metrics  *metrics.Collector
}

func NewRouter(d Deps) *gin.Engine {
	l := d.Logger
	if l == nil {
		l = zap.NewNop()
	}
	cfg := d.Config

	r := gin.New()
	r.MaxMultipartMemory = maxMultipartMemory
	r.Use(logger.RequestID(), logger.GinMiddleware(l), logger.Recovery(l))

	if d.Metrics != nil {
		r.Use(d.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	r.NoRoute(func(c *gin.Context) {
		handlers.Respond(c, handlers.Err{Kind: handlers.KindNotFound, Message: "not found"})
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "jobs": d.Spooler.Stats()})
	})

	handlers.NewWebUIHandler(cfg.Print.RequireCode, cfg.Print.MaxCopies, cfg.Print.CodeDigits).RegisterRoutes(r)

	api := r.Group("/api")
	var guards []gin.HandlerFunc
	if cfg.Server.UploadRate > 0 {
		guards = append(guards, middleware.NewRateLimiter(cfg.Server.UploadRate, cfg.Server.UploadBurst).Middleware())
	}
	handlers.RegisterPrintRoutes(api, handlers.NewPrintHandler(d.Spooler, cfg.Server.MaxUploadBytes), guards...)

	if d.Auth != nil {
		registerAdmin(api.Group("/admin"), d)
	}

	return r
}

func registerAdmin(admin *gin.RouterGroup, d Deps) {
	cfg := d.Config
	if cfg.Server.UploadRate > 0 {
		admin.Use(middleware.NewRateLimiter(cfg.Server.UploadRate, cfg.Server.UploadBurst).Middleware())
	}
	d.Auth.RegisterRoutes(admin)

	protected := admin.Group("", d.Auth.RequireAuth())
	handlers.NewJobHandler(d.Spooler).RegisterRoutes(protected)
	handlers.NewArchiveHandler(d.Ledger, d.Archiver).RegisterRoutes(protected)
	handlers.NewSettingsHandler(cfg, d.TLS).RegisterRoutes(protected)
	if d.Webhooks != nil {
		handlers.NewWebhookHandler(d.Webhooks).RegisterRoutes(protected)
	}
}

var _ Spooler = (*core.Spooler)(nil)
