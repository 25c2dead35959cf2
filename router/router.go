package router

import (
	"net/http"
	"time"

	"github.com/btc_explorer/controller"
	"github.com/btc_explorer/handler"
	"github.com/btc_explorer/logger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

type Options struct {
	AllowedOrigins []string
	Limiter        *IPLimiter
}

func SetupRouter(accessHandler *handler.AccessHandler, explorer *controller.ExplorerController, opts Options) *gin.Engine {
	handler.RegisterValidators()

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger())
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Middleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	access := r.Group("/api/access")
	{
		access.GET("/check-unlimited", accessHandler.CheckUnlimited)
		access.GET("/remaining-requests", accessHandler.RemainingRequests)
		access.GET("/usage-history", accessHandler.UsageHistory)
		access.POST("/verify-signature", accessHandler.VerifySignature)
		access.POST("/verify-unlimited", accessHandler.VerifyUnlimited)
	}

	api := r.Group("/api/explorer", accessHandler.MeteredAccess())
	{
		api.GET("/tx/:txid", explorer.GetTransaction)
		api.GET("/address/:address", explorer.GetAddress)
		api.GET("/blocks/tip/height", explorer.GetTipHeight)
		api.GET("/fees", explorer.GetFees)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", handler.WalletHeader, requestIDHeader)
	cfg.ExposeHeaders = []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", requestIDHeader}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("request_id", c.GetString("requestID")),
			zap.String("wallet", c.GetString(handler.WalletContextKey)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}
