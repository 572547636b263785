package chatsync

import (
	"context"
	"testing"
	"time"
)

func TestLoader(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Identity: "me", PageSize: 2}

	t.Run("conversations load once", func(t *testing.T) {
		remote := newFakeRemote()
		remote.convPages = []*Conversation{{UniqueID: "c1"}, {UniqueID: "c2"}}
		store := NewMemoryStore()
		l := NewLoader(remote, store, cfg, nil)

		ps, err := l.Conversations(ctx)
		if err != nil || ps.Len() != 2 {
			t.Fatalf("unexpected result %+v %v", ps, err)
		}
		remote.convPages = nil
		ps, _ = l.Conversations(ctx)
		if ps.Len() != 2 {
			t.Fatal("cached list was reloaded")
		}
	})

	t.Run("refresh keeps pending local messages", func(t *testing.T) {
		remote := newFakeRemote()
		remote.msgPages["c1"] = []*Page[*Message]{{Items: []*Message{msg("u1", "f1", "c1", t0)}}}
		store := NewMemoryStore()
		pending := own("u9", "", "c1", t0.Add(time.Minute))
		pending.DeliveryStatus = DeliverySending
		seeded := NewPageSet([]*Message{pending}, "")
		seeded.NeedsRefetch = true
		SetList(store, MessagesKey("c1"), seeded)
		l := NewLoader(remote, store, cfg, nil)

		ps, err := l.Messages(ctx, "c1")
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		if got := ids(ps.All()); len(got) != 2 || got[0] != "u9" || got[1] != "u1" {
			t.Fatalf("unexpected list %v", got)
		}
		if ps.NeedsRefetch {
			t.Fatal("refreshed list still marked for refetch")
		}
	})

	t.Run("load older appends without duplicates", func(t *testing.T) {
		remote := newFakeRemote()
		remote.msgPages["c1"] = []*Page[*Message]{
			{Items: []*Message{msg("u3", "f3", "c1", t0.Add(3*time.Minute)), msg("u2", "f2", "c1", t0.Add(2*time.Minute))}},
			{Items: []*Message{msg("u2", "f2", "c1", t0.Add(2*time.Minute)), msg("u1", "f1", "c1", t0.Add(time.Minute))}},
		}
		store := NewMemoryStore()
		l := NewLoader(remote, store, cfg, nil)

		if _, err := l.Messages(ctx, "c1"); err != nil {
			t.Fatalf("Messages: %v", err)
		}
		more, err := l.LoadOlder(ctx, "c1")
		if err != nil {
			t.Fatalf("LoadOlder: %v", err)
		}
		if more {
			t.Fatal("expected the end of history")
		}
		ps, _ := GetList[*Message](store, MessagesKey("c1"))
		if len(ps.Pages) != 2 || ps.Len() != 3 {
			t.Fatalf("unexpected pages %+v", ps.Pages)
		}
		more, _ = l.LoadOlder(ctx, "c1")
		if more || remote.listMessagesCalls != 2 {
			t.Fatal("load past the end hit the network")
		}
	})

	t.Run("watch reloads invalidated lists", func(t *testing.T) {
		remote := newFakeRemote()
		remote.msgPages["c1"] = []*Page[*Message]{{Items: []*Message{msg("u1", "f1", "c1", t0)}}}
		store := NewMemoryStore()
		SetList(store, MessagesKey("c1"), NewPageSet([]*Message{}, ""))
		l := NewLoader(remote, store, cfg, nil)
		l.Watch(ctx)

		store.Invalidate(MessagesKey("c1"), true)
		l.Wait()
		e, _ := store.Get(MessagesKey("c1"))
		ps := e.Value.(*PageSet[*Message])
		if e.Stale || ps.Len() != 1 {
			t.Fatalf("expected a fresh reloaded list, got stale=%v len=%d", e.Stale, ps.Len())
		}
	})

	t.Run("refresh of a foreign key is ignored", func(t *testing.T) {
		l := NewLoader(newFakeRemote(), NewMemoryStore(), cfg, nil)
		if err := l.Refresh(ctx, ReactionsKey("c1", "u1")); err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	})
}
