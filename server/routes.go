package server

import (
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/novatra/novatra/app/artifact"
	"github.com/novatra/novatra/app/auth"
	"github.com/novatra/novatra/app/health"
	"github.com/novatra/novatra/app/ratelimit"
	"github.com/novatra/novatra/app/repository"
	"github.com/novatra/novatra/config"
	"github.com/novatra/novatra/gateway"
	"github.com/novatra/novatra/log"
)

// Handlers groups everything the router dispatches to.
type Handlers struct {
	Health       health.HealthService
	Repositories repository.RepositoryService
	Artifacts    artifact.ArtifactService
	Gateway      *gateway.Gateway
}

func setupGin(env config.Environment) (r *gin.Engine) {
	switch env {
	case config.Production, config.Staging:
		gin.SetMode(gin.ReleaseMode)
		r = gin.New()
		r.Use(gin.Recovery(), log.RequestLogger())
		err := r.SetTrustedProxies(nil)
		if err != nil {
			panic(fmt.Sprintf("Failed to set trusted proxies: %v\n", err))
		}
	case config.Testing, config.CI:
		gin.SetMode(gin.ReleaseMode)
		r = gin.New()
		r.Use(gin.Recovery())
	case config.Development:
		r = gin.New()
		r.Use(gin.Recovery(), log.RequestLogger())
	default:
		panic(fmt.Sprintf("Invalid environment: %s", env))
	}
	return
}

func corsConfig(c config.CORSConfig) cors.Config {
	conf := cors.DefaultConfig()
	if len(c.AllowedOrigins) == 0 || (len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == "*") {
		conf.AllowAllOrigins = true
	} else {
		conf.AllowOrigins = c.AllowedOrigins
	}
	if len(c.AllowedMethods) > 0 {
		conf.AllowMethods = c.AllowedMethods
	}
	if len(c.AllowedHeaders) > 0 {
		conf.AllowHeaders = c.AllowedHeaders
	}
	conf.ExposeHeaders = []string{"Content-Disposition", "ETag"}
	return conf
}

func InitRoutes(cfg *config.Config, h Handlers) *gin.Engine {
	r := setupGin(cfg.Environment)
	r.Use(cors.New(corsConfig(cfg.Security.CORS)), auth.Actor())

	r.GET("/ping", health.PingHandler)
	r.GET("/health", h.Health.HealthHandler)
	r.GET("/ws", h.Gateway.ServeWebSocket)

	var limits []gin.HandlerFunc
	if rl := cfg.Security.RateLimit; rl.Enabled() {
		limits = append(limits, ratelimit.Middleware(ratelimit.NewStore(rl.Requests, rl.Window, rl.Burst)))
	}
	api := r.Group("/api/v1", limits...)

	repos := api.Group("/repositories")
	repos.GET("", h.Repositories.GetRepositories)
	repos.POST("", h.Repositories.CreateRepository)
	repos.GET("/:id", h.Repositories.GetRepository)
	repos.DELETE("/:id", h.Repositories.DeleteRepository)
	repos.POST("/:id/star", h.Repositories.ToggleStar)
	repos.GET("/:id/artifacts", h.Artifacts.GetArtifacts)
	repos.PUT("/:id/artifacts", h.Artifacts.UploadArtifact)

	artifacts := api.Group("/artifacts")
	artifacts.GET("/:id", h.Artifacts.GetArtifact)
	artifacts.GET("/:id/download", h.Artifacts.DownloadArtifact)
	artifacts.DELETE("/:id", h.Artifacts.DeleteArtifact)

	api.GET("/stats", h.Repositories.GetStats)
	api.GET("/events/ws", h.Gateway.ServeWebSocket)
	api.GET("/events/stream", h.Gateway.ServeStream)

	return r
}
