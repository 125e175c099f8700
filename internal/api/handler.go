package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"payswitch/internal/models"
	"payswitch/internal/service"
	"payswitch/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const merchantIDKey = "merchant_id"

// OrderService is the order surface exposed over HTTP
type OrderService interface {
	CreateOrder(ctx context.Context, merchantID int64, req *service.CreateOrderRequest) *service.CreateOrderResult
	GetOrder(ctx context.Context, merchantID int64, orderNo string) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderNo, thirdPartyOrderNo string) (*models.Order, error)
	RefundOrder(ctx context.Context, orderNo string) (*models.Order, error)
	ReissueOrder(ctx context.Context, orderNo string) (*models.Order, error)
}

// MerchantResolver identifies the calling merchant
type MerchantResolver interface {
	GetMerchantByAPIKey(ctx context.Context, apiKey string) (*models.Merchant, error)
}

// ReadinessCheck is one dependency probed by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the shared secrets guarding non-merchant routes
type Config struct {
	AdminToken    string
	SupplierToken string
}

// Handler contains HTTP handlers
type Handler struct {
	orders    OrderService
	merchants MerchantResolver
	notify    NotifyAdmin
	logs      NotifyLogReader
	checks    []ReadinessCheck
	cfg       Config
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderService, merchants MerchantResolver, notify NotifyAdmin, logs NotifyLogReader, cfg Config, checks ...ReadinessCheck) *Handler {
	return &Handler{
		orders:    orders,
		merchants: merchants,
		notify:    notify,
		logs:      logs,
		checks:    checks,
		cfg:       cfg,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(tracingMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders", h.merchantAuth())
		orders.POST("", h.createOrder)
		orders.GET("/:order_no", h.getOrder)

		v1.POST("/suppliers/confirm", tokenAuth("X-Supplier-Token", h.cfg.SupplierToken), h.confirmPayment)
	}

	admin := router.Group("/admin", tokenAuth("X-Admin-Token", h.cfg.AdminToken))
	{
		admin.GET("/notify/unnotified", h.listUnnotified)
		admin.POST("/notify/trigger/:order_no", h.triggerOrder)
		admin.POST("/notify/trigger", h.batchTrigger)
		admin.GET("/notify/stats", h.queueStats)
		admin.GET("/notify/logs/:order_no", h.notifyLogs)
		admin.GET("/notify/merchants/stats", h.merchantStats)
		admin.POST("/notify/merchants/reset", h.resetCircuitBreaker)
		admin.POST("/orders/:order_no/refund", h.refundOrder)
		admin.POST("/orders/:order_no/reissue", h.reissueOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failed[check.Name] = err.Error()
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

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &service.CreateOrderResult{
			Code:    http.StatusBadRequest,
			Kind:    service.KindInvalidParams,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}
	if req.TerminalIP == "" {
		req.TerminalIP = c.ClientIP()
	}

	result := h.orders.CreateOrder(c.Request.Context(), c.GetInt64(merchantIDKey), &req)
	c.JSON(result.Code, result)
}

// getOrder returns one of the caller's orders
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.GetInt64(merchantIDKey), c.Param("order_no"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": order})
}

// ConfirmRequest is a normalized supplier payment confirmation
type ConfirmRequest struct {
	OrderNo           string `json:"order_no" binding:"required"`
	ThirdPartyOrderNo string `json:"third_party_order_no"`
}

func (h *Handler) confirmPayment(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"kind":    service.KindInvalidParams,
			"message": "invalid request body: " + err.Error(),
		})
		return
	}

	order, err := h.orders.ConfirmPayment(c.Request.Context(), req.OrderNo, req.ThirdPartyOrderNo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": order})
}

func (h *Handler) refundOrder(c *gin.Context) {
	order, err := h.orders.RefundOrder(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": order})
}

func (h *Handler) reissueOrder(c *gin.Context) {
	order, err := h.orders.ReissueOrder(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": order})
}

// respondError maps business errors to their status and hides the rest
func respondError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	if kind == "" {
		util.WithTrace(c.Request.Context()).Error("Request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"kind":    service.KindInternal,
			"message": "internal error, please retry later",
		})
		return
	}
	status := service.StatusCode(kind)
	c.JSON(status, gin.H{"code": status, "kind": kind, "message": err.Error()})
}

// merchantAuth resolves X-Merchant-Key to a merchant id. Disabled merchants
// pass through and are rejected by the order service.
func (h *Handler) merchantAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Merchant-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized, "message": "missing merchant key",
			})
			return
		}

		merchant, err := h.merchants.GetMerchantByAPIKey(c.Request.Context(), key)
		if err != nil {
			util.GetLogger().Error("Failed to resolve merchant", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code": http.StatusInternalServerError, "message": "internal error, please retry later",
			})
			return
		}
		if merchant == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized, "message": "unknown merchant key",
			})
			return
		}

		c.Set(merchantIDKey, merchant.ID)
		c.Next()
	}
}

// tokenAuth guards a route group with a shared secret header. An empty
// secret locks the group.
func tokenAuth(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized, "message": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// tracingMiddleware opens a server span, continuing the caller's trace when
// a traceparent header is present, so order trace ids follow the request
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := util.ExtractRemote(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := util.StartSpan(ctx, c.Request.Method+" "+c.FullPath())
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		util.WithTrace(c.Request.Context()).Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
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
