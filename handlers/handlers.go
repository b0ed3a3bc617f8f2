package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"deal-processor/database"
	"deal-processor/models"
	"deal-processor/rabbitmq"
	"deal-processor/service"

	"github.com/gin-gonic/gin"
)

const defaultListLimit = 50

// Handlers represents the HTTP handlers
type Handlers struct {
	db         *database.Database
	svc        *service.Service
	subscriber *rabbitmq.Subscriber
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *database.Database, svc *service.Service, subscriber *rabbitmq.Subscriber) *Handlers {
	return &Handlers{db: db, svc: svc, subscriber: subscriber}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "deal-processor",
	})
}

// GetStatus reports consumer connectivity and how many deals are stored.
func (h *Handlers) GetStatus(c *gin.Context) {
	total, err := h.db.CountDeals(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get deal count",
		})
		return
	}

	status := gin.H{
		"service":     "deal-processor",
		"total_deals": total,
	}
	if h.subscriber != nil {
		status["rabbitmq_connected"] = h.subscriber.IsConnected()
		status["rabbitmq_queue"] = h.subscriber.GetQueue()
		if !h.subscriber.LastDeliveryAt().IsZero() {
			status["last_delivery_at"] = h.subscriber.LastDeliveryAt()
		}
		if h.subscriber.LastError() != "" {
			status["rabbitmq_last_error"] = h.subscriber.LastError()
		}
	}

	c.JSON(http.StatusOK, status)
}

// ProcessBatch accepts a batch envelope over HTTP and runs it through the
// same path as queued messages. Useful for backfills and manual replays.
func (h *Handlers) ProcessBatch(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	inserted, err := h.svc.ProcessBatch(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, service.ErrMalformedMessage) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to process batch",
		})
		return
	}

	c.JSON(http.StatusOK, models.BatchResult{
		StatusCode: http.StatusOK,
		Body:       "Success",
		Inserted:   inserted,
	})
}

// ListDeals returns recent deals, newest first. ?active=true hides expired
// deals, ?limit caps the page size.
func (h *Handlers) ListDeals(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit",
			})
			return
		}
		limit = n
	}

	deals, err := h.db.ListDeals(c.Request.Context(), activeOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list deals",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deals": deals,
		"count": len(deals),
	})
}

// GetDeal returns one deal by id.
func (h *Handlers) GetDeal(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid deal id",
		})
		return
	}

	deal, err := h.db.GetDeal(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get deal",
		})
		return
	}
	if deal == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Deal not found",
		})
		return
	}

	c.JSON(http.StatusOK, deal)
}
