package httpapi

import (
	"freight-controlplane/pkg/config"
	"freight-controlplane/pkg/health"
	"freight-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine, NewRouter),
	fx.Invoke(registerHealthEndpoint, registerMetricsEndpoint),
)

// Router exposes the route groups services register on.
type Router struct {
	Public  *gin.RouterGroup
	Private *gin.RouterGroup
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Trace(), middleware.Error())
	return r
}

func NewRouter(engine *gin.Engine, cfg *config.Config) *Router {
	v1 := engine.Group("/v1")
	return &Router{
		Public:  v1,
		Private: v1.Group("", middleware.Auth(cfg)),
	}
}

func registerHealthEndpoint(engine *gin.Engine, h health.HealthService) {
	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
}

func registerMetricsEndpoint(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
