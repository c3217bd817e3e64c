package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/validation"
)

func (h *handler) registerNotifications(r *gin.Engine) {
	r.POST("/notifications", h.notify)

	admin := r.Group("/admin")
	admin.GET("/notifications/scheduled", h.listScheduled)
	admin.GET("/notifications/stats", h.stats)
	admin.GET("/notifications/:id", h.getNotification)
	admin.POST("/notifications/:id/cancel", h.cancelNotification)
	admin.POST("/notifications/:id/trigger", h.triggerNotification)
	admin.POST("/notifications/process", h.processNotifications)
	admin.POST("/notifications/retry-failed", h.retryFailed)
	admin.GET("/templates", h.listTemplates)
}

func (h *handler) notify(c *gin.Context) {
	var req validation.NotifyRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	typ, err := notifications.ParseType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type", "detail": err.Error()})
		return
	}
	n, err := h.Notifier.Notify(c.Request.Context(), notifications.Request{
		TargetType: notifications.Target(req.TargetType),
		TargetID:   req.TargetID,
		Type:       typ,
		OrderID:    req.OrderID,
		Variables:  req.Variables,
		Title:      req.Title,
		Message:    req.Message,
		Delay:      time.Duration(req.DelayMinutes) * time.Minute,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (h *handler) listScheduled(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	ns, err := h.Scheduler.ListScheduled(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if ns == nil {
		ns = []notifications.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": ns, "count": len(ns)})
}

func (h *handler) getNotification(c *gin.Context) {
	n, err := h.Scheduler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *handler) cancelNotification(c *gin.Context) {
	id := c.Param("id")
	if err := h.Scheduler.Cancel(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification_id": id, "status": notifications.StatusFailed, "reason": notifications.ReasonCancelledByAdmin})
}

func (h *handler) triggerNotification(c *gin.Context) {
	id := c.Param("id")
	if err := h.Scheduler.TriggerNow(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification_id": id, "triggered": true})
}

func (h *handler) processNotifications(c *gin.Context) {
	res, err := h.Scheduler.RunOnce(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) retryFailed(c *gin.Context) {
	res, err := h.Scheduler.RetryFailed(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) stats(c *gin.Context) {
	days, ok := intQuery(c, "days", 7)
	if !ok {
		return
	}
	st, err := h.Scheduler.Stats(c.Request.Context(), days)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": h.Templates.List()})
}
