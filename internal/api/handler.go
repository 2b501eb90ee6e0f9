package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"coupon-service/internal/service"
	"coupon-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	grabService  *service.GrabService
	queryService *service.QueryService
	checks       map[string]ReadinessCheck
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(grabService *service.GrabService, queryService *service.QueryService, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		grabService:  grabService,
		queryService: queryService,
		checks:       checks,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/coupon/grab", h.grabCoupon)
		v1.GET("/coupons/:user_id", h.getUserCoupons)
		v1.GET("/rooms/:room_id/results", h.getRoomResults)
		v1.GET("/results", h.getResultsBetween)
		v1.GET("/users/:user_id/stats", h.getUserStats)
		v1.GET("/shards/stats", h.getShardStats)
	}

	legacy := router.Group("/api")
	{
		legacy.POST("/coupon/grab", h.grabCoupon)
		legacy.GET("/coupons/:user_id", h.getUserCoupons)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// grabCoupon handles a grab attempt. Out of stock is a normal response.
func (h *Handler) grabCoupon(c *gin.Context) {
	var req service.GrabRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.grabService.Grab(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request",
				"details": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to grab coupon",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getUserCoupons returns a user's coupons, reporting cache use in X-Cache
func (h *Handler) getUserCoupons(c *gin.Context) {
	userID, ok := parseIDParam(c, "user_id")
	if !ok {
		return
	}

	results, hit, err := h.queryService.UserCoupons(c.Request.Context(), userID)
	if err != nil {
		h.queryFailed(c, err)
		return
	}

	if hit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"count":   len(results),
		"results": results,
	})
}

func (h *Handler) getRoomResults(c *gin.Context) {
	roomID, ok := parseIDParam(c, "room_id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultRoomLimit)))

	results, err := h.queryService.RoomResults(c.Request.Context(), roomID, limit)
	if err != nil {
		h.queryFailed(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"count":   len(results),
		"results": results,
	})
}

// getResultsBetween expects RFC3339 start and end query parameters
func (h *Handler) getResultsBetween(c *gin.Context) {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start time, expected RFC3339"})
		return
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end time, expected RFC3339"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultTimeRangeLimit)))

	results, err := h.queryService.ResultsBetween(c.Request.Context(), start, end, limit)
	if err != nil {
		h.queryFailed(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"start":   start,
		"end":     end,
		"count":   len(results),
		"results": results,
	})
}

func (h *Handler) getUserStats(c *gin.Context) {
	userID, ok := parseIDParam(c, "user_id")
	if !ok {
		return
	}

	stats, err := h.queryService.UserStats(c.Request.Context(), userID)
	if err != nil {
		h.queryFailed(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) getShardStats(c *gin.Context) {
	stats, err := h.queryService.ShardStats(c.Request.Context())
	if err != nil {
		h.queryFailed(c, err)
		return
	}

	var total int64
	for _, s := range stats {
		total += s.TotalRows
	}

	c.JSON(http.StatusOK, gin.H{
		"shards":     stats,
		"total_rows": total,
	})
}

func (h *Handler) queryFailed(c *gin.Context, err error) {
	if errors.Is(err, service.ErrInvalidQuery) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid query",
			"details": err.Error(),
		})
		return
	}

	h.logger.Error("Query failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Query failed",
	})
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
