package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-orderflow-notifier/internal/inbound"
	"github.com/imrishuroy/go-orderflow-notifier/internal/validation"
)

func (h *handler) registerFeedback(r *gin.Engine) {
	r.POST("/feedback", h.recordFeedback)
	r.GET("/feedback/:order_id", h.getFeedback)
	r.POST("/inbound/callback", h.callback)
}

func (h *handler) recordFeedback(c *gin.Context) {
	var req validation.FeedbackRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	rating, err := h.Feedback.RecordFeedback(c.Request.Context(), req.OrderID, req.CustomerID, req.Rating, req.Comment)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rating)
}

func (h *handler) getFeedback(c *gin.Context) {
	orderID := c.Param("order_id")
	rating, err := h.Feedback.Get(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if rating == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "feedback_not_found", "order_id": orderID})
		return
	}
	c.JSON(http.StatusOK, rating)
}

func (h *handler) callback(c *gin.Context) {
	var req validation.CallbackRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ack, err := h.Callbacks.Route(c.Request.Context(), inbound.Callback{From: req.From, Data: req.Data, Text: req.Text})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
