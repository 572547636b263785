//go:build integration

package chatsync_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Prismer-AI/chatsync"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("CHATSYNC_TOKEN_TEST")
	if tok == "" {
		t.Fatal("CHATSYNC_TOKEN_TEST environment variable is required")
	}
	return tok
}

func identity(t *testing.T) string {
	t.Helper()
	id := os.Getenv("CHATSYNC_IDENTITY_TEST")
	if id == "" {
		t.Fatal("CHATSYNC_IDENTITY_TEST environment variable is required")
	}
	return id
}

func newClient(t *testing.T) *chatsync.Client {
	t.Helper()
	base := os.Getenv("CHATSYNC_BASE_URL")
	if base == "" {
		t.Skip("CHATSYNC_BASE_URL not set")
	}
	return chatsync.NewClient(token(t), chatsync.WithBaseURL(base), chatsync.WithIdentity(identity(t)))
}

// =======================================================================
// Catch-up and write path against a live server
// =======================================================================

func TestIntegration_Health(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
}

func TestIntegration_ColdStartThenDelta(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	st, err := chatsync.OpenPebbleState(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleState: %v", err)
	}
	defer st.Close()

	engine, err := chatsync.NewEngine(chatsync.EngineOptions{
		Remote: client,
		State:  st,
		Config: chatsync.Config{Identity: identity(t)},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	first, err := engine.Sync(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !first.ColdStart {
		t.Fatal("expected the first run to be a cold start")
	}

	second, err := engine.Sync(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.ColdStart {
		t.Fatal("expected the second run to use the delta window")
	}
	t.Logf("delta run: conversations=%d messages=%d invalidated=%d", second.Conversations, second.Messages, second.Invalidated)
}

func TestIntegration_SendAndReload(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	engine, err := chatsync.NewEngine(chatsync.EngineOptions{
		Remote: client,
		Config: chatsync.Config{Identity: identity(t)},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	w := engine.Writer()

	conv, err := w.CreateConversation(ctx, nil, "integration "+time.Now().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	defer func() {
		if err := w.DeleteConversation(context.Background(), conv); err != nil && !errors.Is(err, chatsync.ErrNotFound) {
			t.Logf("cleanup: %v", err)
		}
	}()

	msg, err := w.Send(ctx, chatsync.Draft{
		ConversationID: conv.UniqueID,
		Body:           chatsync.MessageBody{Text: "hello from the integration test"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.FileID == "" || msg.DeliveryStatus != chatsync.DeliverySent {
		t.Fatalf("expected a confirmed message, got %+v", msg)
	}

	if err := engine.Loader().Refresh(ctx, chatsync.MessagesKey(conv.UniqueID)); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ps, _ := chatsync.GetList[*chatsync.Message](engine.Store(), chatsync.MessagesKey(conv.UniqueID))
	if _, ok := chatsync.FindMessage(ps, msg); !ok {
		t.Fatal("sent message missing after reload")
	}
}
