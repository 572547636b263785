package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ============================================================================
// Live Update Processor
// ============================================================================

// LiveProcessor applies push events to the cache as they arrive. Messages
// from other participants are merged immediately; this device's own
// messages are diverted to the EchoQueue.
type LiveProcessor struct {
	store    Store
	conv     Converter
	echo     *EchoQueue
	restorer ConversationRestorer
	sink     NotificationSink
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
}

// LiveOptions are the collaborators of a LiveProcessor.
type LiveOptions struct {
	Store         Store
	Converter     Converter
	Echo          *EchoQueue
	Restorer      ConversationRestorer
	Notifications NotificationSink
	Config        Config
	Metrics       *Metrics
}

// NewLiveProcessor creates a live processor.
func NewLiveProcessor(opts LiveOptions) *LiveProcessor {
	cfg := opts.Config
	cfg.defaults()
	sink := opts.Notifications
	if sink == nil {
		sink = nopSink{}
	}
	return &LiveProcessor{
		store:    opts.Store,
		conv:     opts.Converter,
		echo:     opts.Echo,
		restorer: opts.Restorer,
		sink:     sink,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "live"),
		metrics:  opts.Metrics,
	}
}

// Handle applies one push event. Events outside the tracked scope are
// ignored. Conversion problems never surface as errors; they invalidate the
// affected list instead.
func (lp *LiveProcessor) Handle(ctx context.Context, ev PushEvent) error {
	if ev == nil {
		return nil
	}
	if !lp.cfg.Scope.Contains(ev.EventScope()) {
		lp.logger.Debug("live_event_out_of_scope", "kind", ev.Kind(), "drive", ev.EventScope().Drive)
		return nil
	}
	lp.metrics.liveEvent(ev.Kind())

	switch e := ev.(type) {
	case EntityAdded:
		lp.entityChanged(ctx, e.Entity, EventEntityAdded)
	case EntityModified:
		lp.entityChanged(ctx, e.Entity, EventEntityModified)
	case StatisticsChanged:
		lp.entityChanged(ctx, e.Entity, EventStatisticsChanged)
	case EntityDeleted:
		lp.entityDeleted(e)
	case ReactionAdded:
		lp.reactionChanged(e.ConversationID, e.MessageID, e.Reaction, true)
	case ReactionDeleted:
		lp.reactionChanged(e.ConversationID, e.MessageID, e.Reaction, false)
	case NotificationAdded:
		lp.sink.Notify(ctx, e.Notification)
	default:
		return fmt.Errorf("unhandled push event %T", ev)
	}
	return nil
}

func (lp *LiveProcessor) entityChanged(ctx context.Context, raw *RawEntity, kind EventKind) {
	if raw == nil {
		return
	}
	switch raw.Type {
	case EntityMessage:
		lp.messageChanged(ctx, raw, kind)
	case EntityConversation:
		lp.conversationChanged(ctx, raw, kind)
	default:
		lp.logger.Debug("live_entity_ignored", "type", raw.Type, "file_id", raw.FileID)
	}
}

func (lp *LiveProcessor) messageChanged(ctx context.Context, raw *RawEntity, kind EventKind) {
	own := raw.SenderID != "" && raw.SenderID == lp.cfg.Identity

	// Own messages are revived on echo flush.
	if kind == EventEntityAdded && !own && raw.GroupID != "" && !lp.messageCached(raw) {
		if c, ok := cachedConversation(lp.store, raw.GroupID); ok && c.ArchivalStatus.Hidden() {
			go reviveConversation(context.WithoutCancel(ctx), lp.store, lp.restorer, raw.GroupID, lp.logger)
		}
	}

	m, err := lp.conv.ToMessage(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrOrphanedMessage) {
			lp.logger.Warn("live_message_orphaned", "file_id", raw.FileID, "error", err)
			return
		}
		lp.logger.Warn("live_message_corrupt", "file_id", raw.FileID, "conversation", raw.GroupID, "error", err)
		n := len(lp.store.Invalidate(MessagesKey(raw.GroupID), true))
		lp.metrics.invalidated("corrupt", n)
		return
	}

	if own {
		if kind == EventEntityAdded {
			lp.echo.Enqueue(ctx, m)
		} else {
			lp.echo.EnqueueUpdate(ctx, m)
		}
		return
	}

	res := mergeIntoList(lp.store, m.ConversationID, []*Message{m})
	lp.metrics.observeMerge("live", res)
	if res.NeedsInvalidate() {
		n := len(lp.store.Invalidate(MessagesKey(m.ConversationID), true))
		lp.metrics.invalidated("merge_"+res.String(), n)
	}
}

func (lp *LiveProcessor) messageCached(raw *RawEntity) bool {
	ps, ok := GetList[*Message](lp.store, MessagesKey(raw.GroupID))
	if !ok {
		return false
	}
	_, found := FindMessage(ps, &Message{FileID: raw.FileID, UniqueID: raw.UniqueID})
	return found
}

func (lp *LiveProcessor) conversationChanged(ctx context.Context, raw *RawEntity, kind EventKind) {
	c, err := lp.conv.ToConversation(ctx, raw)
	if err != nil {
		lp.logger.Warn("live_conversation_corrupt", "file_id", raw.FileID, "error", err)
		n := len(lp.store.Invalidate(ConversationsKey(), true))
		lp.metrics.invalidated("corrupt", n)
		return
	}
	res := mergeConversationList(lp.store, c, kind == EventEntityAdded)
	lp.metrics.observeMerge("live", res)
	if res.NeedsInvalidate() {
		n := len(lp.store.Invalidate(ConversationsKey(), true))
		lp.metrics.invalidated("merge_"+res.String(), n)
	}
	SetEntity(lp.store, ConversationKey(c.UniqueID), c)
}

func (lp *LiveProcessor) entityDeleted(e EntityDeleted) {
	var touched []Key
	switch e.Type {
	case EntityMessage:
		if e.GroupID == "" {
			touched = lp.store.Invalidate(MessagesKey(), false)
		} else {
			touched = lp.store.Invalidate(MessagesKey(e.GroupID), true)
		}
	case EntityConversation:
		touched = lp.store.Invalidate(ConversationsKey(), true)
		if e.UniqueID != "" {
			touched = append(touched, lp.store.Invalidate(ConversationKey(e.UniqueID), true)...)
		}
	default:
		return
	}
	lp.metrics.invalidated("deleted", len(touched))
}

// reactionChanged edits the per-message reaction detail list in place. A
// list that was never loaded is invalidated rather than created.
func (lp *LiveProcessor) reactionChanged(convID, msgID string, r Reaction, added bool) {
	key := ReactionsKey(convID, msgID)
	present := lp.store.Update(key, func(cur Entry, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		list, _ := cur.Value.([]Reaction)
		return applyReaction(list, r, added), true
	})
	if !present {
		lp.metrics.invalidated("reaction", len(lp.store.Invalidate(key, true)))
	}
}

func applyReaction(list []Reaction, r Reaction, added bool) []Reaction {
	out := make([]Reaction, 0, len(list)+1)
	for _, x := range list {
		if x.AuthorID == r.AuthorID && x.Body == r.Body {
			continue
		}
		out = append(out, x)
	}
	if added {
		out = append(out, r)
	}
	return out
}

// ── Shared cache helpers ──────────────────────────────────

// mergeConversationList merges c into the cached conversation list.
func mergeConversationList(store Store, c *Conversation, isUpdateHint bool) MergeResult {
	res := MergeNoop
	store.Update(ConversationsKey(), func(cur Entry, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		ps, _ := cur.Value.(*PageSet[*Conversation])
		next, r := MergeConversation(ps, c, isUpdateHint)
		res = r
		if r != MergeApplied {
			return nil, false
		}
		return next, true
	})
	return res
}

// cachedConversation looks a conversation up by UniqueID, preferring the
// entity cache over the list.
func cachedConversation(store Store, id string) (*Conversation, bool) {
	if c, ok := GetEntity[*Conversation](store, ConversationKey(id)); ok && c != nil {
		return c, true
	}
	ps, ok := GetList[*Conversation](store, ConversationsKey())
	if !ok {
		return nil, false
	}
	return FindConversation(ps, id)
}

// reviveConversation restores convID to Active if the cache shows it
// archived or soft-deleted. It reports whether a restore was attempted.
func reviveConversation(ctx context.Context, store Store, restorer ConversationRestorer, convID string, logger *slog.Logger) bool {
	if restorer == nil {
		return false
	}
	c, ok := cachedConversation(store, convID)
	if !ok || !c.ArchivalStatus.Hidden() {
		return false
	}
	if err := restorer.RestoreConversation(ctx, convID); err != nil {
		logger.Warn("conversation_restore_failed", "conversation", convID, "error", err)
		return true
	}
	logger.Info("conversation_restored", "conversation", convID, "from", c.ArchivalStatus.String())
	return true
}
