// Package httpapi maps the core's operation surface onto HTTP routes.
// Router construction and request logging follow
// edirooss-zmux-server/cmd/zmux-server/main.go: gin.New() plus
// gin.Recovery(), a conditional dev-only CORS middleware, and a
// Zap-based structured logging middleware.
package httpapi

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/grailbio/geoserver/internal/core"
	"github.com/grailbio/geoserver/internal/geo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger is a Gin middleware that logs each request's method, route,
// status, client, latency, and any attached errors through log.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// NewLogger builds the Zap logger used by ZapLogger, matching the
// teacher's development config (colorized level, no timestamp/caller
// noise, no stacktraces on Warn/Error).
func NewLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	return zap.Must(cfg.Build()).Named("httpapi")
}

// shutdownFunc is invoked by the /api/shutdown handler.
type shutdownFunc func()

// NewRouter builds the Gin engine exposing the operation surface over
// c. onShutdown is invoked asynchronously each time /api/shutdown is
// called.
func NewRouter(c *core.Core, log *zap.Logger, onShutdown shutdownFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(ZapLogger(log))

	r.GET("/api/query", handleQuery(c))
	r.DELETE("/api/objects/:id", handleDeleteOne(c))
	r.DELETE("/api/objects/random", handleDeleteRandom(c))
	r.POST("/api/objects/batch", handleInsertBatch(c))
	r.GET("/api/count", handleCount(c))
	r.POST("/api/shutdown", handleShutdown(onShutdown))

	return r
}

type queryRequest struct {
	Coords [][2]float64 `json:"coords" binding:"required"`
}

func handleQuery(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req queryRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			_ = ctx.Error(err)
			ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
		coords := make([]geo.Point, len(req.Coords))
		for i, p := range req.Coords {
			coords[i] = geo.Point{X: p[0], Y: p[1]}
		}

		res, err := c.Query(coords)
		if err != nil {
			_ = ctx.Error(err)
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrBadRequest) {
				status = http.StatusBadRequest
			}
			ctx.JSON(status, gin.H{"status": "error", "message": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"status":     "success",
			"statistics": res.Statistics,
			"data":       res.Data,
			"queryTime":  res.QueryTime.String(),
		})
	}
}

func handleDeleteOne(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
		if err != nil {
			_ = ctx.Error(err)
			ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid id"})
			return
		}
		removed, err := c.DeleteOne(id)
		if err != nil {
			_ = ctx.Error(err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "success", "removed": removed})
	}
}

func handleDeleteRandom(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		count, err := strconv.Atoi(ctx.Query("count"))
		if err != nil {
			_ = ctx.Error(err)
			ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid count"})
			return
		}
		achieved, err := c.DeleteRandom(count)
		if err != nil {
			_ = ctx.Error(err)
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrBadRequest) {
				status = http.StatusBadRequest
			}
			ctx.JSON(status, gin.H{"status": "error", "message": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "success", "achieved": achieved})
	}
}

type insertBatchRequest struct {
	Count int `json:"count" binding:"required"`
}

func handleInsertBatch(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req insertBatchRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			_ = ctx.Error(err)
			ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
		ok, err := c.InsertBatch(req.Count)
		if err != nil {
			_ = ctx.Error(err)
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrBadRequest) {
				status = http.StatusBadRequest
			}
			ctx.JSON(status, gin.H{"status": "error", "message": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "success", "ok": ok})
	}
}

func handleCount(c *core.Core) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "success", "count": c.Count()})
	}
}

func handleShutdown(onShutdown shutdownFunc) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "success"})
		go onShutdown()
	}
}
