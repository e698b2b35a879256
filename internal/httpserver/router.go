package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gigvault/internal/api"
	"gigvault/pkg/metrics"
	"gigvault/pkg/otel"
	"gigvault/pkg/rbac"
	"gigvault/pkg/trace"
)

// SetupRouter 组装全部路由与中间件
func SetupRouter(auth *api.AuthHandler, escrowHandler *api.EscrowHandler, db *pgxpool.Pool, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otel.GinMiddleware())
	r.Use(traceMiddleware())
	r.Use(metricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/auth/register", auth.Register)
	r.POST("/api/auth/login", auth.Login)

	authed := r.Group("/api", api.JWTAuth(jwtSecret))
	{
		authed.POST("/projects", escrowHandler.CreateProject)
		authed.GET("/projects/:id", escrowHandler.GetProject)
		authed.GET("/projects/:id/audit", escrowHandler.ListAudit)
		authed.POST("/projects/:id/milestones/:mid/fund", escrowHandler.Fund)
		authed.POST("/projects/:id/milestones/:mid/request-release", escrowHandler.RequestRelease)
		authed.POST("/projects/:id/milestones/:mid/release", escrowHandler.Release)
		authed.POST("/projects/:id/milestones/:mid/refund", escrowHandler.Refund)

		admin := authed.Group("", api.RequireRole(rbac.RoleAdmin))
		{
			admin.POST("/admin/resume", escrowHandler.ResumeAdminFlows)
			admin.POST("/admin/outbox/:event_id/replay", escrowHandler.ReplayOutboxEvent)
		}
	}

	return r
}

// traceMiddleware 从请求头提取 trace_id，没有就生成一个，响应头回传
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)
	}
}
