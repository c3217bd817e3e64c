package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-orderflow-notifier/internal/feedback"
	"github.com/imrishuroy/go-orderflow-notifier/internal/idempotency"
	"github.com/imrishuroy/go-orderflow-notifier/internal/inbound"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	"github.com/imrishuroy/go-orderflow-notifier/internal/payments"
	"github.com/imrishuroy/go-orderflow-notifier/internal/validation"
	log "github.com/sirupsen/logrus"
)

// Services groups the dependencies of the HTTP API.
type Services struct {
	Orders      *orders.StateMachine
	Payments    *payments.Reconciler
	Notifier    *notifications.Notifier
	Scheduler   *notifications.Scheduler
	Templates   *notifications.Registry
	Feedback    *feedback.Collector
	Callbacks   *inbound.Router
	Idempotency idempotency.Repository
	Metrics     http.Handler // nil disables /metrics
	Logger      log.FieldLogger
}

type handler struct {
	Services
	v *validatorv10.Validate
}

// NewRouter builds the gin engine serving every route.
func NewRouter(s Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.Logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics))
	}

	h := &handler{Services: s, v: validation.New()}
	h.registerOrders(r)
	h.registerPayments(r)
	h.registerNotifications(r)
	h.registerFeedback(r)
	return r
}

func requestLogger(logger log.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetHeader("X-Request-Id"),
		}).Info("request")
	}
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{payments.ErrAuthentication, http.StatusUnauthorized, "authentication_failed"},
	{payments.ErrValidation, http.StatusUnprocessableEntity, "validation_failed"},
	{orders.ErrNotFound, http.StatusNotFound, "order_not_found"},
	{payments.ErrNotFound, http.StatusNotFound, "payment_not_found"},
	{notifications.ErrNotFound, http.StatusNotFound, "notification_not_found"},
	{orders.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{orders.ErrAlreadyExists, http.StatusConflict, "order_exists"},
	{payments.ErrPaymentExists, http.StatusConflict, "payment_exists"},
	{notifications.ErrNotCancellable, http.StatusConflict, "not_cancellable"},
	{notifications.ErrConflict, http.StatusConflict, "conflict"},
	{feedback.ErrAlreadyRated, http.StatusConflict, "already_rated"},
	{feedback.ErrOrderNotCompleted, http.StatusConflict, "order_not_completed"},
	{feedback.ErrNotRated, http.StatusConflict, "not_rated"},
	{feedback.ErrInvalidRating, http.StatusBadRequest, "invalid_rating"},
	{feedback.ErrInvalidComment, http.StatusBadRequest, "invalid_comment"},
	{feedback.ErrNotOrderOwner, http.StatusForbidden, "not_order_owner"},
	{inbound.ErrUnknownCallback, http.StatusBadRequest, "unknown_callback"},
	{inbound.ErrForbidden, http.StatusForbidden, "forbidden"},
}

// respondError writes the status mapped to err. Unmapped errors are 500,
// which makes webhook senders retry.
func (h *handler) respondError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, gin.H{"error": m.code, "detail": err.Error()})
			return
		}
	}
	h.Logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
}

// intQuery reads a non-negative integer query parameter.
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "detail": name + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
