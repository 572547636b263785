package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

const maxWebhookBody = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookHandlerFunc receives each verified push event. LiveProcessor.Handle
// has this signature.
type WebhookHandlerFunc func(ctx context.Context, ev PushEvent) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body, without prefix.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvent parses a raw webhook body, which is a push envelope,
// into its typed event.
func ParseWebhookEvent(body string) (PushEvent, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("missing type field in webhook body")
	}
	if len(env.Payload) == 0 {
		return nil, errors.New("missing payload field in webhook body")
	}
	return DecodePushEvent(env)
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook is the HTTP form of the push channel: verify, parse, dispatch.
type Webhook struct {
	secret  string
	onEvent WebhookHandlerFunc
	logger  *slog.Logger
}

// NewWebhook creates a webhook receiver.
func NewWebhook(secret string, onEvent WebhookHandlerFunc) (*Webhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if onEvent == nil {
		return nil, errors.New("webhook handler is required")
	}
	return &Webhook{secret: secret, onEvent: onEvent, logger: discardLogger()}, nil
}

// WithLogger sets the logger used for rejected requests.
func (w *Webhook) WithLogger(l *slog.Logger) *Webhook {
	if l != nil {
		w.logger = l.With("component", "webhook")
	}
	return w
}

// Verify verifies an HMAC-SHA256 signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one delivery (verify + parse + dispatch).
// Returns the status code and response body for the caller to write.
func (w *Webhook) Handle(ctx context.Context, body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		w.logger.Warn("webhook_bad_signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookEvent(body)
	if err != nil {
		w.logger.Warn("webhook_bad_body", "error", err)
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onEvent(ctx, ev); err != nil {
		w.logger.Error("webhook_handler_failed", "kind", ev.Kind(), "error", err)
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhook("secret", engine.Live().Handle)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(r.Context(), string(bodyBytes), r.Header.Get(SignatureHeader))
		writeWebhookJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeWebhookJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
