package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"payswitch/internal/models"
	"payswitch/internal/notify"
	"payswitch/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NotifyAdmin is the operator surface of the notification engine
type NotifyAdmin interface {
	ListUnnotified(ctx context.Context, limit int) ([]models.Order, error)
	TriggerOrder(ctx context.Context, orderNo string) error
	BatchTrigger(ctx context.Context, orderNos []string) []notify.TriggerResult
	QueueStats(ctx context.Context) (*models.QueueStats, error)
	MerchantStats(ctx context.Context, notifyURL string) (*models.CircuitBreakerState, error)
	ResetCircuitBreaker(ctx context.Context, notifyURL string) error
}

// NotifyLogReader reads the delivery history of an order
type NotifyLogReader interface {
	ListNotifyLogs(ctx context.Context, orderNo string) ([]models.NotifyLog, error)
}

const maxListLimit = 500

func (h *Handler) listUnnotified(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > maxListLimit {
		badRequest(c, "limit must be between 1 and 500")
		return
	}

	orders, err := h.notify.ListUnnotified(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": orders, "count": len(orders)})
}

func (h *Handler) triggerOrder(c *gin.Context) {
	orderNo := c.Param("order_no")
	err := h.notify.TriggerOrder(c.Request.Context(), orderNo)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": notify.TriggerResult{OrderNo: orderNo, Queued: true}})
	case errors.Is(err, notify.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": err.Error()})
	case errors.Is(err, notify.ErrOrderNotPaid), errors.Is(err, notify.ErrAlreadyNotified), errors.Is(err, notify.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": err.Error()})
	default:
		internalError(c, err)
	}
}

// BatchTriggerRequest lists orders to re-notify
type BatchTriggerRequest struct {
	OrderNos []string `json:"order_nos" binding:"required,min=1,max=500"`
}

func (h *Handler) batchTrigger(c *gin.Context) {
	var req BatchTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	results := h.notify.BatchTrigger(c.Request.Context(), req.OrderNos)
	queued := 0
	for _, r := range results {
		if r.Queued {
			queued++
		}
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": results, "queued": queued})
}

func (h *Handler) queueStats(c *gin.Context) {
	stats, err := h.notify.QueueStats(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": stats})
}

func (h *Handler) notifyLogs(c *gin.Context) {
	logs, err := h.logs.ListNotifyLogs(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": logs})
}

func (h *Handler) merchantStats(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		badRequest(c, "url is required")
		return
	}

	state, err := h.notify.MerchantStats(c.Request.Context(), url)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": state})
}

func (h *Handler) resetCircuitBreaker(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		badRequest(c, "url is required")
		return
	}

	if err := h.notify.ResetCircuitBreaker(c.Request.Context(), url); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "circuit breaker reset"})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message})
}

func internalError(c *gin.Context, err error) {
	util.GetLogger().Error("Admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    http.StatusInternalServerError,
		"message": "internal error, please retry later",
	})
}
