// Package apigateway exposes the evaluation pipeline over HTTP: job
// submission and lifecycle, a server-sent event stream for job progress,
// and credential administration.
package apigateway

import (
	"github.com/gin-gonic/gin"

	"spoken-eval-platform/internal/auth"
)

// SetupRouter builds the Gin router over an API instance. Every route sits
// behind the service API key.
func SetupRouter(api *API, apiKey string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", api.Health)

	v1 := router.Group("/api/v1")
	v1.Use(auth.APIKeyMiddleware(apiKey))
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", api.SubmitJob)
			jobs.GET("/:id", api.GetJob)
			jobs.GET("/:id/result", api.GetJobResult)
			jobs.GET("/:id/events", api.StreamJobEvents)
			jobs.POST("/:id/cancel", api.CancelJob)
			jobs.POST("/:id/retry", api.RetryJob)
		}

		creds := v1.Group("/credentials")
		{
			creds.POST("", api.CreateCredential)
			creds.GET("", api.ListCredentials)
			creds.DELETE("/:id", api.DeleteCredential)
			creds.POST("/:id/reactivate", api.ReactivateCredential)
		}
	}

	return router
}
