package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-orderflow-notifier/internal/payments"
	"github.com/imrishuroy/go-orderflow-notifier/internal/validation"
)

// SignatureHeader carries the provider's HMAC of the webhook event.
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

func (h *handler) registerPayments(r *gin.Engine) {
	r.POST("/payments", h.createPayment)
	r.GET("/payments/:order_id", h.getPayment)
	r.POST("/payments/webhook", h.paymentWebhook)
}

func (h *handler) createPayment(c *gin.Context) {
	var req validation.CreatePaymentRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	p, err := h.Payments.CreatePending(c.Request.Context(), req.OrderID, req.PaymentMethod)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *handler) getPayment(c *gin.Context) {
	p, err := h.Payments.Get(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// paymentWebhook answers 200 for applied and replayed events. Any 5xx tells
// the provider to deliver the event again.
func (h *handler) paymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	var ev payments.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}
	ev.Signature = c.GetHeader(SignatureHeader)

	res, err := h.Payments.Reconcile(c.Request.Context(), ev)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := "ok"
	if res.Replay {
		status = "replay"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                 status,
		"payment":                res.Payment,
		"order":                  res.Order,
		"notifications_enqueued": len(res.Notifications),
	})
}
