package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/imrishuroy/go-orderflow-notifier/internal/idempotency"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	"github.com/imrishuroy/go-orderflow-notifier/internal/validation"
	log "github.com/sirupsen/logrus"
)

func (h *handler) registerOrders(r *gin.Engine) {
	r.POST("/orders", h.createOrder)
	r.GET("/orders/:id", h.getOrder)
	r.POST("/orders/:id/transitions", h.transitionOrder)
}

func (h *handler) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	// Bind + validate request
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	// Require idempotency key header
	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}
	logger := h.Logger.WithField("idempotency_key", idempKey)

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	created, err := h.Idempotency.CreateIfNotExists(ctx, idempKey, orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
		return
	}
	if !created {
		rec, err := h.Idempotency.Get(ctx, idempKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
			return
		}
		if rec == nil {
			// expired between the two calls; the client can retry
			c.JSON(http.StatusConflict, gin.H{"error": "idempotency_key_expired"})
			return
		}
		switch rec.Status {
		case idempotency.StatusDone:
			replayStored(c, rec)
			return
		case idempotency.StatusInProgress:
			c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
			return
		case idempotency.StatusFailed:
			// retry the failed attempt under the same order id
			if req.OrderID == "" {
				orderID = rec.OrderID
			}
			ok, err := h.Idempotency.Reclaim(ctx, idempKey, orderID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
				return
			}
			if !ok {
				c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
				return
			}
			logger.WithField("order_id", orderID).Info("retrying failed order request")
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
			return
		}
	}

	items := make([]orders.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orders.Item{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, Price: it.Price})
	}
	o, err := h.Orders.Create(ctx, orders.NewOrder{
		OrderID:         orderID,
		CustomerID:      req.CustomerID,
		CustomerName:    req.CustomerName,
		Items:           items,
		Amount:          req.Amount,
		PaymentMethod:   req.PaymentMethod,
		DeliveryAddress: req.DeliveryAddress,
		Metadata:        req.Metadata,

		EstimatedDeliveryAt: req.EstimatedDeliveryTime,
	})
	if err != nil {
		// mark idempotency failed so client can retry
		if mErr := h.Idempotency.MarkFailed(ctx, idempKey, fmt.Sprintf("create_failed: %v", err)); mErr != nil {
			logger.WithError(mErr).Error("failed to mark idempotency key failed")
		}
		h.respondError(c, err)
		return
	}

	body, err := json.Marshal(o)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed", "detail": err.Error()})
		return
	}
	if err := h.Idempotency.MarkDone(ctx, idempKey, string(body), http.StatusCreated); err != nil {
		logger.WithError(err).WithField("order_id", o.OrderID).Error("failed to mark idempotency key done")
	}

	c.Header("Location", fmt.Sprintf("/orders/%s", o.OrderID))
	c.Data(http.StatusCreated, "application/json", body)
}

// replayStored returns the response recorded for a completed request.
func replayStored(c *gin.Context, rec *idempotency.Record) {
	c.Header("Idempotent-Replayed", "true")
	if rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
		c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
		return
	}
	if rec.ResponseBody != "" {
		c.JSON(rec.ResponseStatus, gin.H{"response": rec.ResponseBody})
		return
	}
	// if no response body stored, return 200 with order_id
	c.JSON(http.StatusOK, gin.H{"order_id": rec.OrderID})
}

func (h *handler) getOrder(c *gin.Context) {
	o, err := h.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":               o,
		"allowed_transitions": orders.AllowedTransitions(o.Status),
	})
}

func (h *handler) transitionOrder(c *gin.Context) {
	var req validation.TransitionRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	to, err := orders.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "detail": err.Error()})
		return
	}
	actor := orders.ActorStaff
	if req.Actor != "" {
		actor = orders.Actor(req.Actor)
	}

	id := c.Param("id")
	o, ns, err := h.Orders.Transition(c.Request.Context(), id, to, actor, orders.WithReason(req.Reason))
	if err != nil {
		h.Logger.WithError(err).WithFields(log.Fields{"order_id": id, "to": to}).Warn("transition rejected")
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "notifications_enqueued": len(ns)})
}
