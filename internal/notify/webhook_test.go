package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
)

type recordingSink struct {
	recipient string
	body      string
	calls     int
}

func (r *recordingSink) HandleReply(_ context.Context, recipient, body string) error {
	r.recipient = recipient
	r.body = body
	r.calls++
	return nil
}

func sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestReplyHandlerAcceptsSignedReply(t *testing.T) {
	sink := &recordingSink{}
	h := &ReplyHandler{
		AuthToken: "token",
		PublicURL: "https://example.com/v1/webhooks/chat/reply",
		Sink:      sink,
	}

	form := url.Values{"From": []string{"+393331112222"}, "Body": []string{"OK"}}
	req := httptest.NewRequest(http.MethodPost, h.PublicURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Chat-Signature", sign("token", h.PublicURL, form))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if sink.calls != 1 || sink.recipient != "+393331112222" || sink.body != "OK" {
		t.Fatalf("sink not fed correctly: %+v", sink)
	}
}

func TestReplyHandlerRejectsBadSignature(t *testing.T) {
	sink := &recordingSink{}
	h := &ReplyHandler{
		AuthToken: "token",
		PublicURL: "https://example.com/v1/webhooks/chat/reply",
		Sink:      sink,
	}

	form := url.Values{"From": []string{"+39333"}, "Body": []string{"OK"}}
	req := httptest.NewRequest(http.MethodPost, h.PublicURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Chat-Signature", "forged")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if sink.calls != 0 {
		t.Fatal("forged request must not reach the sink")
	}
}

func TestReplyHandlerRejectsMissingSender(t *testing.T) {
	h := &ReplyHandler{
		AuthToken: "token",
		PublicURL: "https://example.com/v1/webhooks/chat/reply",
		Sink:      &recordingSink{},
	}

	form := url.Values{"Body": []string{"OK"}}
	req := httptest.NewRequest(http.MethodPost, h.PublicURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Chat-Signature", sign("token", h.PublicURL, form))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestReplyHandlerMethodNotAllowed(t *testing.T) {
	h := &ReplyHandler{Sink: &recordingSink{}}
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/chat/reply", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
