package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"beacon-registry/config"
	"beacon-registry/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig) *gin.Engine {
	r := gin.Default()
	if cfg.RequestIPHeader != "" {
		r.TrustedPlatform = cfg.RequestIPHeader
	}

	limit := rate.Limit(cfg.RateLimitPerSec)
	if limit <= 0 {
		limit = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 5
	}
	rateLimiter := mw.RateLimiter(limit, burst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cacheStore := cache.New(ttl, 2*ttl)
	// Only the catalog is cached; listings must reflect the latest write.
	caching := mw.Cache(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/games", caching, h.GetGames)

		api.GET("/beacons", h.ListBeacons)
		api.POST("/beacons", h.CreateBeacon)
		api.GET("/beacons/:user_id", h.ListUserBeacons)
		api.DELETE("/beacons/:user_id", h.StopBeacons)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
