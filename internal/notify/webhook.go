package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ReplySink receives inbound replies parsed from the webhook. The escalation
// engine implements it.
type ReplySink interface {
	HandleReply(ctx context.Context, recipient, body string) error
}

// ReplyHandler verifies and parses chat gateway reply callbacks.
type ReplyHandler struct {
	AuthToken string
	PublicURL string // must match the exact URL configured on the gateway
	Sink      ReplySink
}

func (h *ReplyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", 400)
		return
	}

	sig := r.Header.Get("X-Chat-Signature")
	if !VerifySignature(h.AuthToken, h.PublicURL, sig, r.PostForm) {
		http.Error(w, "invalid signature", 401)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" {
		http.Error(w, "missing sender", 400)
		return
	}

	if err := h.Sink.HandleReply(r.Context(), from, body); err != nil {
		slog.Error("reply handling failed", "from", from, "err", err)
		http.Error(w, "reply handling failed", 500)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	// Build: fullURL + concatenated sorted key + value
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
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}
