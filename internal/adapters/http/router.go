// Package http exposes the agent's control API.
package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/broadcast"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/layout"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
	sessionName       = "MeetSessions"
)

// Deps are the services behind the control API.
type Deps struct {
	Orch      *orch.Orchestrator
	Broadcast *broadcast.Client
	Solver    *layout.Solver
	Metrics   *metrics.Metrics
	Limiter   *RateLimiter
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = uuid.NewString()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if d.Solver == nil {
		d.Solver = layout.NewSolver(layout.DefaultConfig())
	}
	if d.Limiter == nil {
		d.Limiter = NewRateLimiter(cfg.RateLimit, cfg.RateLimitEvery)
	}
	h := &handlers{Deps: d}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(metrics.RequestMiddleware(d.Metrics))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler(d.Orch.UpdateGauges)))

	api := r.Group("/api")
	api.GET("/meeting", h.meetingStatus)
	api.GET("/capacity", h.capacity)
	api.GET("/layout", h.layoutPreview)
	api.GET("/broadcast", h.broadcastStatus)

	mut := api.Group("", RateLimitMiddleware(d.Limiter))
	mut.POST("/meeting/join", h.join)
	mut.POST("/meeting/leave", h.leave)
	mut.POST("/meeting/rejoin", h.rejoin)
	mut.DELETE("/meeting", h.destroy)

	stages := mut.Group("/stages/:group", h.resolveGroup)
	stages.POST("/publish", h.publish)
	stages.POST("/unpublish", h.unpublish)
	stages.POST("/republish", h.republish)
	stages.POST("/resubscribe", h.resubscribe)
	stages.POST("/free-slot", h.freeSlot)
	stages.PUT("/simulcast", h.simulcast)
	stages.PUT("/audio-only", h.audioOnly)

	mut.POST("/broadcast/start", h.startBroadcast)
	mut.POST("/broadcast/stop", h.stopBroadcast)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
