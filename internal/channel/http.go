// Package channel holds the delivery channels the dispatcher sends through.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
)

// maxErrorBody bounds how much of a failed response is kept as the reason.
const maxErrorBody = 512

// gatewayResponse is the bot gateway's reply. Either status code or the
// ok flag may carry the verdict.
type gatewayResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// HTTP posts messages as JSON to the bot gateway.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP returns a channel posting to url. A nil client gets one with a
// 15s timeout; the dispatcher's per-send deadline is normally shorter.
func NewHTTP(url string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTP{url: url, client: client}
}

// Send delivers msg. Transport failures come back as errors; anything the
// gateway answered comes back as a SendResult.
func (h *HTTP) Send(ctx context.Context, msg notifications.Message) (notifications.SendResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return notifications.SendResult{}, fmt.Errorf("%w: marshal message: %v", notifications.ErrPermanentDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return notifications.SendResult{}, fmt.Errorf("%w: build request: %v", notifications.ErrPermanentDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Id", msg.NotificationID)

	resp, err := h.client.Do(req)
	if err != nil {
		return notifications.SendResult{}, fmt.Errorf("post to gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return notifications.SendResult{}, fmt.Errorf("read gateway response: %w", err)
	}
	return interpret(resp.StatusCode, raw), nil
}

func interpret(status int, raw []byte) notifications.SendResult {
	var gr gatewayResponse
	parsed := json.Unmarshal(raw, &gr) == nil

	if status >= 200 && status < 300 && (!parsed || gr.OK || gr.Description == "") {
		return notifications.SendResult{OK: true}
	}

	reason := gr.Description
	if reason == "" {
		reason = string(raw)
		if len(reason) > maxErrorBody {
			reason = reason[:maxErrorBody]
		}
	}
	code := status
	if gr.ErrorCode != 0 {
		code = gr.ErrorCode
	}
	if gr.Parameters.RetryAfter > 0 {
		reason = fmt.Sprintf("%s (retry after %ds)", reason, gr.Parameters.RetryAfter)
	}
	return notifications.SendResult{
		Retryable: code == http.StatusTooManyRequests || code >= 500,
		Reason:    fmt.Sprintf("gateway %d: %s", code, reason),
	}
}
