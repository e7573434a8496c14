/*
Copyright 2024 Herald Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/api/middleware"
	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/internal/apierror"
)

type Api struct {
	herald *herald.Herald
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	// provider callbacks authenticate with their own HMAC signatures, never
	// with the API secret
	router.POST("/webhooks/:gateway", a.ReceiveDeliveryReport)

	authed := router.Group("/")
	conf, err := config.Fetch()
	if err == nil && conf.Server.Secure {
		authed.Use(middleware.SecretKeyAuthMiddleware())
	}

	authed.POST("/notifications", a.QueueNotification)
	authed.POST("/notifications/bulk", a.QueueBatch)
	authed.POST("/notifications/send", a.SendNow)
	authed.GET("/notifications/:id", a.GetNotification)
	authed.DELETE("/notifications/:id", a.CancelNotification)
	authed.POST("/notifications/:id/retry", a.AdminRetry)

	authed.GET("/admin/breakers/:channel/:provider", a.GetBreakerState)
	authed.POST("/admin/breakers/:channel/:provider/reset", a.ResetBreaker)
	authed.POST("/admin/recover-stuck", a.RecoverStuck)

	return a.router
}

func NewAPI(h *herald.Herald) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{herald: h, router: r}
}

// respondError maps a domain error onto the HTTP surface. Rate limit
// rejections additionally carry the standard limit headers so well-behaved
// clients can back off without parsing the body.
func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	if apiErr, ok := apierror.As(err); ok {
		if details, isLimit := apiErr.Details.(apierror.RateLimitDetails); isLimit {
			c.Header("X-RateLimit-Limit", strconv.Itoa(details.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(details.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(details.ResetEpoch, 10))
			c.Header("Retry-After", strconv.FormatInt(details.RetryAfter, 10))
		}
		c.JSON(status, gin.H{"error": apiErr.Message, "code": string(apiErr.Code), "details": apiErr.Details})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requireParam(c *gin.Context, name string) (string, bool) {
	value, passed := c.Params.Get(name)
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required. pass " + name + " in the route /:" + name})
		return "", false
	}
	return value, true
}
