package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Loader owns the network side of the cache: it loads lists on first use
// and reloads whatever the cache reports as invalidated.
type Loader struct {
	remote  ReadAPI
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	inflight map[Key]bool
	wg       sync.WaitGroup
}

// NewLoader creates a loader.
func NewLoader(remote ReadAPI, store Store, cfg Config, m *Metrics) *Loader {
	cfg.defaults()
	return &Loader{
		remote:   remote,
		store:    store,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "loader"),
		metrics:  m,
		inflight: make(map[Key]bool),
	}
}

// Watch subscribes the loader to invalidations so stale keys reload in the
// background.
func (l *Loader) Watch(ctx context.Context) {
	l.store.OnInvalidate(func(k Key) {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.Refresh(ctx, k); err != nil {
				l.logger.Warn("loader_refresh_failed", "key", string(k), "error", err)
			}
		}()
	})
}

// Wait blocks until background refreshes started by Watch finish.
func (l *Loader) Wait() { l.wg.Wait() }

// Conversations returns the cached conversation list, loading it if absent.
func (l *Loader) Conversations(ctx context.Context) (*PageSet[*Conversation], error) {
	if ps, ok := GetList[*Conversation](l.store, ConversationsKey()); ok {
		return ps, nil
	}
	if err := l.Refresh(ctx, ConversationsKey()); err != nil {
		return nil, err
	}
	ps, _ := GetList[*Conversation](l.store, ConversationsKey())
	return ps, nil
}

// Messages returns a conversation's cached message list, loading it if absent.
func (l *Loader) Messages(ctx context.Context, conversationID string) (*PageSet[*Message], error) {
	key := MessagesKey(conversationID)
	if ps, ok := GetList[*Message](l.store, key); ok && !ps.NeedsRefetch {
		return ps, nil
	}
	if err := l.Refresh(ctx, key); err != nil {
		return nil, err
	}
	ps, _ := GetList[*Message](l.store, key)
	return ps, nil
}

// Refresh reloads the first page behind key. Keys it does not own are
// ignored. Concurrent refreshes of one key collapse into one.
func (l *Loader) Refresh(ctx context.Context, key Key) error {
	l.mu.Lock()
	if l.inflight[key] {
		l.mu.Unlock()
		return nil
	}
	l.inflight[key] = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.inflight, key)
		l.mu.Unlock()
	}()

	parts := strings.Split(string(key), keySep)
	switch {
	case key == ConversationsKey():
		return l.refreshConversations(ctx)
	case len(parts) == 2 && parts[0] == "messages":
		return l.refreshMessages(ctx, parts[1])
	case len(parts) == 2 && parts[0] == "conversation":
		c, err := l.remote.GetConversation(ctx, parts[1])
		if err != nil {
			return fmt.Errorf("load conversation %s: %w", parts[1], err)
		}
		SetEntity(l.store, key, c)
	}
	return nil
}

func (l *Loader) refreshConversations(ctx context.Context) error {
	page, err := l.remote.ListConversations(ctx, "", l.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	SetList(l.store, ConversationsKey(), NewPageSet(page.Items, page.Cursor))
	l.logger.Debug("loader_conversations", "count", len(page.Items))
	return nil
}

// refreshMessages replaces the list with the server's first page, then puts
// back local messages the server does not know yet.
func (l *Loader) refreshMessages(ctx context.Context, convID string) error {
	page, err := l.remote.ListMessages(ctx, convID, "", l.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("load messages of %s: %w", convID, err)
	}
	fresh := NewPageSet(page.Items, page.Cursor)
	sortFirstPage(fresh)

	key := MessagesKey(convID)
	l.store.Update(key, func(cur Entry, ok bool) (any, bool) {
		out := fresh
		if old, _ := cur.Value.(*PageSet[*Message]); ok && old != nil {
			for _, m := range old.All() {
				if m.Phase() != PhasePending {
					continue
				}
				if next, res := MergeMessage(out, m); res == MergeApplied {
					out = next
				}
			}
		}
		return out, true
	})
	l.logger.Debug("loader_messages", "conversation", convID, "count", len(page.Items))
	return nil
}

// LoadOlder appends the next page of a conversation's history.
func (l *Loader) LoadOlder(ctx context.Context, conversationID string) (bool, error) {
	key := MessagesKey(conversationID)
	ps, ok := GetList[*Message](l.store, key)
	if !ok || ps.Empty() {
		return false, l.Refresh(ctx, key)
	}
	cursor := ps.Pages[len(ps.Pages)-1].Cursor
	if cursor == "" {
		return false, nil
	}
	page, err := l.remote.ListMessages(ctx, conversationID, cursor, l.cfg.PageSize)
	if err != nil {
		return false, fmt.Errorf("load older messages of %s: %w", conversationID, err)
	}
	l.store.Update(key, func(cur Entry, ok bool) (any, bool) {
		old, _ := cur.Value.(*PageSet[*Message])
		if !ok || old.Empty() || old.Pages[len(old.Pages)-1].Cursor != cursor {
			return nil, false
		}
		out := old.Clone()
		items := make([]*Message, 0, len(page.Items))
		for _, m := range page.Items {
			if _, dup := FindMessage(out, m); !dup {
				items = append(items, m)
			}
		}
		out.Pages = append(out.Pages, Page[*Message]{Items: items, Cursor: page.Cursor})
		return out, true
	})
	return page.Cursor != "", nil
}
