package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"agentcoord/internal/auth"
	"agentcoord/internal/coordination"
	"agentcoord/internal/metrics"
	"agentcoord/internal/queue"
	"agentcoord/internal/routing"
	"agentcoord/internal/runs"
	"agentcoord/internal/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps are the components the HTTP boundary serves.
type Deps struct {
	DB        *gorm.DB
	Service   *coordination.Service
	Runs      *runs.Recorder
	Ledger    *routing.Ledger
	Router    *routing.Router
	Queue     *queue.Queue
	Hub       *websocket.Hub
	Issuer    *auth.Issuer
	HookToken string

	// Per client IP limit on the hook endpoints; zero RPS disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	Log *slog.Logger
}

// Server wraps the REST API server
type Server struct {
	handler *Handler
	router  *gin.Engine
}

// quietPaths are polled by probes and scrapers and are not access logged.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	handler := NewHandler(d)

	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if quietPaths[param.Path] {
			return ""
		}
		return fmt.Sprintf("[%s] %s %s %d %s %s %q %s\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.ClientIP,
			param.Method,
			param.StatusCode,
			param.Latency,
			param.Path,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.Recovery())
	router.Use(RequestID())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Hook-Token, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/healthz", handler.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if d.Hub != nil {
		router.GET("/ws", websocket.HandleWebSocket(d.Hub))
	}

	api := router.Group("/api/v1")
	{
		// Webhooks called by agent runtimes with the shared hook secret.
		hooks := api.Group("/hooks")
		hooks.Use(RateLimit(d.RateLimitRPS, d.RateLimitBurst))
		{
			hooks.POST("/agent_complete", handler.AgentComplete)
			hooks.POST("/task_outcome", handler.TaskOutcome)
		}

		limits := api.Group("/limits")
		limits.Use(RateLimit(d.RateLimitRPS, d.RateLimitBurst), RequireHookToken(d.HookToken))
		{
			limits.POST("", handler.RecordLimit)
			limits.DELETE("/:user/:model", handler.ResetLimit)
		}

		// Agent endpoints (bearer JWT, or the hook secret when no signing key is set)
		agents := api.Group("")
		agents.Use(AgentAuth(d.Issuer, d.HookToken))
		{
			agents.POST("/tasks/:id/claim", handler.ClaimTask)
			agents.POST("/tasks/:id/pipeline", handler.AdvancePipeline)
			agents.GET("/tasks/:id/runs", handler.ListRuns)
			agents.POST("/leases/:token/heartbeat", handler.Heartbeat)
			agents.POST("/leases/:token/release", handler.ReleaseLease)

			agents.GET("/users/:id/best_model", handler.BestModel)
			agents.GET("/users/:id/limits", handler.ListLimits)

			agents.GET("/jobs", handler.ListJobs)
			agents.GET("/jobs/stats", handler.JobStats)
			agents.GET("/jobs/:id", handler.GetJob)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no route for " + c.Request.Method + " " + strings.TrimSpace(c.Request.URL.Path),
			"code":  CodeNotFound,
		})
	})

	return &Server{
		handler: handler,
		router:  router,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
