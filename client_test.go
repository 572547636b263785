package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func writeResult(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(Result{OK: status < 400, Data: raw})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: message}})
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("headers and delta body", func(t *testing.T) {
		var got *http.Request
		var body map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r
			json.NewDecoder(r.Body).Decode(&body)
			writeResult(w, 200, QueryPage{Entities: []*RawEntity{{FileID: "f1", Type: EntityMessage}}, Cursor: "next", HasMore: true})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL+"/"), WithIdentity("me"))
		since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		page, err := c.QueryCreatedSince(ctx, DeltaQuery{Type: EntityMessage, Scope: Scope{Drive: "d1"}, Since: since, Limit: 30})
		if err != nil {
			t.Fatalf("QueryCreatedSince: %v", err)
		}
		if got.URL.Path != "/api/chat/query/created" || got.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", got.Method, got.URL.Path)
		}
		if got.Header.Get("Authorization") != "Bearer tok" || got.Header.Get("X-Chat-Identity") != "me" {
			t.Fatalf("missing auth headers: %v", got.Header)
		}
		if got.Header.Get("X-Request-ID") == "" {
			t.Fatal("missing request id")
		}
		if body["drive"] != "d1" || body["since"] != "2026-01-01T00:00:00Z" || body["type"] != float64(EntityMessage) {
			t.Fatalf("unexpected body %v", body)
		}
		if len(page.Entities) != 1 || !page.HasMore || page.Cursor != "next" {
			t.Fatalf("unexpected page %+v", page)
		}
	})

	t.Run("create message is idempotent by unique id", func(t *testing.T) {
		var key string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key = r.Header.Get("Idempotency-Key")
			writeResult(w, 200, WriteReceipt{FileID: "f1", VersionTag: "v1"})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		rec, err := c.CreateMessage(ctx, &Message{UniqueID: "u1", ConversationID: "c1"})
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		if key != "u1" || rec.FileID != "f1" {
			t.Fatalf("unexpected key %q receipt %+v", key, rec)
		}
	})

	t.Run("failed recipients return a partial delivery error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, 200, WriteReceipt{FileID: "f1", FailedRecipients: []string{"bob"}})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		rec, err := c.CreateMessage(ctx, &Message{UniqueID: "u1", ConversationID: "c1"})
		var partial *PartialDeliveryError
		if !errors.As(err, &partial) || rec == nil || partial.FailedRecipients[0] != "bob" {
			t.Fatalf("expected partial delivery with receipt, got %v %+v", err, rec)
		}
	})

	t.Run("update sends the base version", func(t *testing.T) {
		var ifMatch, method string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ifMatch, method = r.Header.Get("If-Match"), r.Method
			writeAPIError(w, 409, "VERSION_CONFLICT", "stale")
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		_, err := c.UpdateMessage(ctx, &Message{UniqueID: "u1", ConversationID: "c1", VersionTag: "v3"})
		if ifMatch != "v3" || method != http.MethodPatch {
			t.Fatalf("unexpected request %s If-Match=%q", method, ifMatch)
		}
		if !errors.Is(err, ErrStaleVersion) {
			t.Fatalf("expected ErrStaleVersion, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 409 || apiErr.Code != "VERSION_CONFLICT" {
			t.Fatalf("unexpected error %#v", err)
		}
	})

	t.Run("not found maps to sentinel", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		if _, err := c.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list messages paginates", func(t *testing.T) {
		var query string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query = r.URL.RawQuery
			writeResult(w, 200, Page[*Message]{Items: []*Message{{UniqueID: "u1"}}, Cursor: "c2"})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		page, err := c.ListMessages(ctx, "conv 1", "abc", 10)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if query != "cursor=abc&limit=10" {
			t.Fatalf("unexpected query %q", query)
		}
		if len(page.Items) != 1 || page.Cursor != "c2" {
			t.Fatalf("unexpected page %+v", page)
		}
	})

	t.Run("fetch payload returns raw bytes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, "/files/f1/payloads/content") {
				http.NotFound(w, r)
				return
			}
			io.WriteString(w, `{"text":"big"}`)
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		b, err := c.FetchPayload(ctx, "f1", ContentPayloadKey)
		if err != nil || string(b) != `{"text":"big"}` {
			t.Fatalf("unexpected payload %q %v", b, err)
		}
		if _, err := c.FetchPayload(ctx, "f2", ContentPayloadKey); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rate limiter honours context", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, 200, map[string]bool{"ok": true})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL), WithRateLimit(0.001, 1))
		if err := c.Health(ctx); err != nil {
			t.Fatalf("first request: %v", err)
		}
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if err := c.Health(short); err == nil {
			t.Fatal("expected the limiter to refuse within the deadline")
		}
	})
}

func TestDefaultConverter(t *testing.T) {
	ctx := context.Background()

	t.Run("out-of-line body is fetched", func(t *testing.T) {
		remote := newFakeRemote()
		remote.payloads["f1/content"] = []byte(`{"text":"long body","replyToId":"u0"}`)
		conv := NewDefaultConverter(remote)
		raw := rawMessage("f1", "u1", "c1", "bob", "", t0)
		raw.Content = nil
		raw.ContentOutOfLn = true
		m, err := conv.ToMessage(ctx, raw)
		if err != nil {
			t.Fatalf("ToMessage: %v", err)
		}
		if m.Body.Text != "long body" || m.ReplyToID != "u0" {
			t.Fatalf("unexpected message %+v", m)
		}
	})

	t.Run("out-of-line body without fetcher is corrupt", func(t *testing.T) {
		raw := rawMessage("f1", "u1", "c1", "bob", "", t0)
		raw.ContentOutOfLn = true
		if _, err := NewDefaultConverter(nil).ToMessage(ctx, raw); !errors.Is(err, ErrCorruptEntity) {
			t.Fatalf("expected ErrCorruptEntity, got %v", err)
		}
	})

	t.Run("attachment-only message is valid", func(t *testing.T) {
		raw := rawMessage("f1", "u1", "c1", "bob", "", t0)
		raw.Content = nil
		raw.Payloads = []RawPayload{{Key: "img", ContentType: "image/png"}}
		m, err := NewDefaultConverter(nil).ToMessage(ctx, raw)
		if err != nil || len(m.Attachments) != 1 {
			t.Fatalf("unexpected result %+v %v", m, err)
		}
	})

	t.Run("message content round trip", func(t *testing.T) {
		in := &Message{Body: MessageBody{Text: "hi"}, ReplyToID: "u0", DeliveryStatus: DeliveryRead}
		content, err := MessageContent(in)
		if err != nil {
			t.Fatalf("MessageContent: %v", err)
		}
		raw := rawMessage("f1", "u1", "c1", "bob", "", t0)
		raw.Content = content
		m, err := NewDefaultConverter(nil).ToMessage(ctx, raw)
		if err != nil {
			t.Fatalf("ToMessage: %v", err)
		}
		if m.Body.Text != "hi" || m.ReplyToID != "u0" || m.DeliveryStatus != DeliveryRead {
			t.Fatalf("unexpected message %+v", m)
		}
	})

	t.Run("conversation without recipients is corrupt", func(t *testing.T) {
		raw := rawConversation("cf1", "c1", ArchivalActive)
		if _, err := NewDefaultConverter(nil).ToConversation(ctx, raw); !errors.Is(err, ErrCorruptEntity) {
			t.Fatalf("expected ErrCorruptEntity, got %v", err)
		}
	})

	t.Run("conversation read marker", func(t *testing.T) {
		in := &Conversation{Title: "t", Recipients: []string{"me"}, LastReadAt: t0}
		content, _ := ConversationContent(in)
		raw := rawConversation("cf1", "c1", ArchivalArchived)
		raw.Content = content
		c, err := NewDefaultConverter(nil).ToConversation(ctx, raw)
		if err != nil {
			t.Fatalf("ToConversation: %v", err)
		}
		if !c.LastReadAt.Equal(t0) || c.ArchivalStatus != ArchivalArchived || c.Title != "t" {
			t.Fatalf("unexpected conversation %+v", c)
		}
	})
}
