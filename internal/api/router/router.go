package router

import (
	"net/http"

	"github.com/cuongbtq/genjob/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName = "genjob-api-service"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		failures := map[string]string{}
		for name, check := range deps.Health {
			if err := check.HealthCheck(c.Request.Context()); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": serviceName,
				"errors":  failures,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)

	api := r.Group("/api")
	{
		api.POST("/generate", jobHandler.Generate)
		api.POST("/generate-async", jobHandler.GenerateAsync)
		api.GET("/job-status/:job_id", jobHandler.JobStatus)
		api.GET("/model-info/:model_id", jobHandler.ModelInfo)
		api.GET("/models", jobHandler.ListModels)
	}

	return r
}
