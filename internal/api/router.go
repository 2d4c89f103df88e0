package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"leadflow/crm/internal/api/handlers"
	"leadflow/crm/internal/api/middleware"
	"leadflow/crm/internal/config"
	"leadflow/crm/internal/email"
	"leadflow/crm/internal/logger"
	"leadflow/crm/internal/services"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(
	cfg *config.Config,
	recurring services.IRecurringInvoiceService,
	runner handlers.RecurringRunner,
	invoices services.IInvoiceService,
	contacts services.IContactService,
	templates services.IEmailTemplateService,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	rateLimiter := middleware.NewRateLimiterMiddleware(cfg)

	// Order matters
	r.Use(middleware.CORSMiddleware())
	r.Use(rateLimiter.Limit())

	jsonApiHandler := handlers.NewJsonApiHandler(cfg, recurring, runner, invoices, contacts, templates)
	restInvoiceHandler := handlers.NewRestInvoiceHandler(invoices)

	v1 := r.Group("/v1")
	{
		// Methods other than ping check the admin token themselves.
		v1.POST("/api", jsonApiHandler.HandleRequest)

		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		adminRequired := v1.Group("/admin")
		adminRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			adminRequired.GET("/invoices/:id", restInvoiceHandler.GetInvoice)
			adminRequired.GET("/recurring-invoices/:id/invoices", restInvoiceHandler.ListGeneratedInvoices)
		}
	}

	return r
}

// SetupServiceRouter configures the internal service engine: shutdown, test
// email retrieval and Prometheus metrics.
func SetupServiceRouter(cfg *config.Config, rdb *redis.Client, shutdownChan chan<- struct{}) *gin.Engine {
	log := logger.WithComponent("service_api")
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api", func(c *gin.Context) {
		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format"})
			return
		}

		switch req.Method {
		case "shutdown":
			log.Info().Msg("shutdown requested via service API")
			c.JSON(http.StatusOK, gin.H{"success": true, "result": "Shutdown initiated"})
			select {
			case shutdownChan <- struct{}{}:
			default:
				log.Warn().Msg("shutdown already signaled")
			}
		case "getTestEmail":
			var args []string // [templateID, email]
			if err := json.Unmarshal(req.Arguments, &args); err != nil || len(args) != 2 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid arguments: expected JSON array [templateID, email]"})
				return
			}
			if rdb == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Redis is not configured"})
				return
			}
			redisKey := email.MockEmailKey(args[1], args[0])

			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			var emailJSON string
			found := false
			// Poll up to ~2 seconds; the worker may still be sending.
			for i := 0; i < 10; i++ {
				val, err := rdb.Get(ctx, redisKey).Result()
				if err == nil {
					emailJSON = val
					found = true
					rdb.Del(ctx, redisKey)
					break
				}
				if !errors.Is(err, redis.Nil) {
					log.Error().Err(err).Str("key", redisKey).Msg("reading test email failed")
					c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Redis error"})
					return
				}
				time.Sleep(200 * time.Millisecond)
			}
			if !found {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Test email not found in Redis for key %s", redisKey)})
				return
			}

			var emailData map[string]interface{}
			if err := json.Unmarshal([]byte(emailJSON), &emailData); err != nil {
				log.Error().Err(err).Str("key", redisKey).Msg("stored test email is not JSON")
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to parse stored email data"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "data": emailData})

		default:
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Unknown service method: %s", req.Method)})
		}
	})
	return r
}
