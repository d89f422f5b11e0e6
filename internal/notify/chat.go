package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ChatClient sends messages through an HTTP chat gateway. The gateway speaks
// a form-encoded send API and posts inbound replies to our webhook.
type ChatClient struct {
	AccountID string
	AuthToken string
	HTTP      *http.Client
	BaseURL   string
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

const sendAttempts = 3

// Send posts the message, retrying transient failures (network timeouts,
// 429, 5xx) up to sendAttempts. Rejections retrying cannot fix return
// immediately.
func (c *ChatClient) Send(ctx context.Context, recipient, message string) (DeliveryResult, error) {
	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return DeliveryResult{}, ctx.Err()
			case <-time.After(Backoff(attempt - 1)):
			}
		}

		status, out, err := c.sendOnce(ctx, recipient, message)
		if err != nil {
			lastErr = err
			if ShouldRetry(err, 0) {
				continue
			}
			return DeliveryResult{}, err
		}
		if status >= 200 && status < 300 {
			return DeliveryResult{Delivered: true, MessageID: out.MessageID}, nil
		}
		if out.Error != "" {
			lastErr = errors.New(out.Error)
		} else {
			lastErr = fmt.Errorf("chat send failed: status %d", status)
		}
		if !ShouldRetry(nil, status) {
			return DeliveryResult{}, lastErr
		}
	}
	return DeliveryResult{}, lastErr
}

func (c *ChatClient) sendOnce(ctx context.Context, recipient, message string) (int, sendResponse, error) {
	form := url.Values{}
	form.Set("To", recipient)
	form.Set("Body", message)

	baseURL := strings.TrimRight(c.BaseURL, "/")
	endpoint := baseURL + "/v1/accounts/" + c.AccountID + "/messages"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountID, c.AuthToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return 0, sendResponse{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(b, &out)
	return resp.StatusCode, out, nil
}

// Retry decision for transient errors
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
