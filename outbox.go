package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Writer
// ============================================================================

// Draft is a message being composed.
type Draft struct {
	ConversationID  string
	Body            MessageBody
	ReplyToID       string
	Attachments     []Attachment
	Preview         *AttachmentPreview
	PendingPayloads []PendingPayload
}

// OutboxEntry is a failed send waiting for Retry.
type OutboxEntry struct {
	Message   *Message
	Attempts  int
	LastError string
	QueuedAt  time.Time
}

// WriterAPI is what Writer needs from the remote.
type WriterAPI interface {
	WriteAPI
	GetConversation(ctx context.Context, uniqueID string) (*Conversation, error)
	GetMessage(ctx context.Context, conversationID, uniqueID string) (*Message, error)
}

// Writer performs local writes: the change is merged into the cache
// optimistically, sent to the server, and the confirmed entity merged back
// by identity.
type Writer struct {
	remote  WriterAPI
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	outbox    map[string]*OutboxEntry
	restoring map[string]bool
}

// NewWriter creates a writer.
func NewWriter(remote WriterAPI, store Store, cfg Config, m *Metrics) *Writer {
	cfg.defaults()
	return &Writer{
		remote:    remote,
		store:     store,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "writer"),
		metrics:   m,
		outbox:    make(map[string]*OutboxEntry),
		restoring: make(map[string]bool),
	}
}

func (w *Writer) now() time.Time { return w.cfg.Clock.Now().UTC() }

// ── Messages ──────────────────────────────────────────────

// Send composes a message, shows it immediately with DeliverySending and
// sends it. On failure the message stays in the cache as DeliveryFailed and
// in the outbox for Retry; the returned message reflects that state.
func (w *Writer) Send(ctx context.Context, d Draft) (*Message, error) {
	if d.ConversationID == "" {
		return nil, errors.New("send: conversation id is required")
	}
	now := w.now()
	m := &Message{
		UniqueID:        uuid.NewString(),
		ConversationID:  d.ConversationID,
		SenderID:        w.cfg.Identity,
		Body:            d.Body,
		DeliveryStatus:  DeliverySending,
		CreatedAt:       now,
		UpdatedAt:       now,
		ReplyToID:       d.ReplyToID,
		Attachments:     append([]Attachment(nil), d.Attachments...),
		Preview:         d.Preview,
		PendingPayloads: append([]PendingPayload(nil), d.PendingPayloads...),
	}
	w.mergeOptimistic(m)
	w.logger.Debug("message_local", "unique_id", m.UniqueID, "conversation", m.ConversationID)
	return w.deliver(ctx, m)
}

// Retry resends a failed message from the outbox.
func (w *Writer) Retry(ctx context.Context, uniqueID string) (*Message, error) {
	w.mu.Lock()
	entry, ok := w.outbox[uniqueID]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", uniqueID, ErrNotFound)
	}
	m := entry.Message.Clone()
	m.DeliveryStatus = DeliverySending
	m.UpdatedAt = w.now()
	m.ServerUpdatedAt = time.Time{}
	w.mergeOptimistic(m)
	return w.deliver(ctx, m)
}

// Pending returns failed sends waiting for retry, oldest first.
func (w *Writer) Pending() []OutboxEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]OutboxEntry, 0, len(w.outbox))
	for _, e := range w.outbox {
		cp := *e
		cp.Message = e.Message.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

func (w *Writer) deliver(ctx context.Context, m *Message) (*Message, error) {
	rec, err := w.remote.CreateMessage(ctx, m)

	var partial *PartialDeliveryError
	if err != nil && !(errors.As(err, &partial) && rec != nil) {
		failed := m.Clone()
		failed.DeliveryStatus = DeliveryFailed
		w.mergeMessage(failed)
		w.enqueueFailed(failed, err)
		w.metrics.sent("failed")
		w.logger.Warn("message_send_failed", "unique_id", m.UniqueID, "error", err)
		return failed, fmt.Errorf("send message: %w", err)
	}

	confirmed := m.Clone()
	confirmed.FileID = rec.FileID
	confirmed.VersionTag = rec.VersionTag
	confirmed.ServerReceivedAt = rec.ServerReceivedAt
	confirmed.DeliveryStatus = DeliverySent
	outcome := "sent"
	if partial != nil {
		// Committed: the failed recipients are retried server-side.
		outcome = "partial"
		if confirmed.DeliveryDetail == nil {
			confirmed.DeliveryDetail = make(map[string]DeliveryStatus, len(partial.FailedRecipients))
		}
		for _, r := range partial.FailedRecipients {
			confirmed.DeliveryDetail[r] = DeliveryFailed
		}
		w.logger.Warn("message_partial_delivery", "unique_id", m.UniqueID, "failed", len(partial.FailedRecipients))
	}
	w.mergeMessage(confirmed)
	w.dequeue(m.UniqueID)
	w.metrics.sent(outcome)
	return confirmed, nil
}

func (w *Writer) enqueueFailed(m *Message, err error) {
	w.mu.Lock()
	e, ok := w.outbox[m.UniqueID]
	if !ok {
		e = &OutboxEntry{QueuedAt: w.now()}
		w.outbox[m.UniqueID] = e
	}
	e.Message = m
	e.Attempts++
	e.LastError = err.Error()
	n := len(w.outbox)
	w.mu.Unlock()
	w.metrics.setOutboxPending(n)
}

func (w *Writer) dequeue(uniqueID string) {
	w.mu.Lock()
	delete(w.outbox, uniqueID)
	n := len(w.outbox)
	w.mu.Unlock()
	w.metrics.setOutboxPending(n)
}

// Edit replaces the body of m, keeping its UniqueID.
func (w *Writer) Edit(ctx context.Context, m *Message, body MessageBody) (*Message, error) {
	return w.updateMessage(ctx, m, func(x *Message) { x.Body = body })
}

// Star sets or clears the reserved starred tag.
func (w *Writer) Star(ctx context.Context, m *Message, starred bool) (*Message, error) {
	return w.updateMessage(ctx, m, func(x *Message) {
		tags := x.Tags[:0:0]
		for _, t := range x.Tags {
			if t != TagStarred {
				tags = append(tags, t)
			}
		}
		if starred {
			tags = append(tags, TagStarred)
		}
		x.Tags = tags
	})
}

// DeleteMessage soft-deletes m: the body and attachments are cleared and the
// message is flagged archived. A hard delete removes it entirely and is only
// allowed in a conversation whose sole participant is the local identity.
func (w *Writer) DeleteMessage(ctx context.Context, m *Message, hard bool) error {
	if !hard {
		_, err := w.updateMessage(ctx, m, func(x *Message) {
			x.Body = MessageBody{}
			x.Attachments = nil
			x.Archived = true
		})
		return err
	}

	conv, err := w.conversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !conv.IsSelf(w.cfg.Identity) {
		return ErrHardDeleteNotAllowed
	}
	if m.FileID != "" {
		if err := w.remote.DeleteMessage(ctx, m.ConversationID, m.UniqueID, true); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	}
	w.dequeue(m.UniqueID)
	w.store.Update(MessagesKey(m.ConversationID), func(cur Entry, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		ps, _ := cur.Value.(*PageSet[*Message])
		if ps == nil {
			return nil, false
		}
		out := ps.Clone()
		scrubMessages(out, &Message{FileID: m.FileID, UniqueID: m.UniqueID})
		return out, true
	})
	w.store.Remove(MessageKey(m.ConversationID, m.UniqueID))
	return nil
}

// updateMessage applies mutate to m and writes it. A stale version tag is
// handled once by re-fetching the server copy and re-applying mutate to it.
func (w *Writer) updateMessage(ctx context.Context, m *Message, mutate func(*Message)) (*Message, error) {
	next := m.Clone()
	mutate(next)
	next.UpdatedAt = w.now()
	next.ServerUpdatedAt = time.Time{}
	rec, err := w.remote.UpdateMessage(ctx, next)
	if errors.Is(err, ErrStaleVersion) {
		w.logger.Info("message_stale_rebase", "unique_id", m.UniqueID, "version", m.VersionTag)
		cur, ferr := w.remote.GetMessage(ctx, m.ConversationID, m.UniqueID)
		if ferr != nil {
			return nil, fmt.Errorf("refresh stale message: %w", ferr)
		}
		next = cur.Clone()
		mutate(next)
		next.UpdatedAt = w.now()
		next.ServerUpdatedAt = time.Time{}
		rec, err = w.remote.UpdateMessage(ctx, next)
	}
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	next.VersionTag = rec.VersionTag
	if rec.FileID != "" {
		next.FileID = rec.FileID
	}
	w.mergeMessage(next)
	return next, nil
}

// mergeOptimistic merges a local message, seeding the list if the
// conversation was never loaded. The seeded list is flagged for refetch so
// the loader fills in the server history around it.
func (w *Writer) mergeOptimistic(m *Message) {
	key := MessagesKey(m.ConversationID)
	seeded := false
	w.store.Update(key, func(cur Entry, ok bool) (any, bool) {
		ps, _ := cur.Value.(*PageSet[*Message])
		if !ok || ps.Empty() {
			seeded = true
			out := NewPageSet([]*Message{m.Clone()}, "")
			out.NeedsRefetch = true
			return out, true
		}
		next, res := MergeMessage(ps, m)
		if res != MergeApplied {
			return nil, false
		}
		return next, true
	})
	w.metrics.observeMerge("local", MergeApplied)
	if seeded {
		w.store.Invalidate(key, true)
	}
}

func (w *Writer) mergeMessage(m *Message) {
	res := mergeIntoList(w.store, m.ConversationID, []*Message{m})
	w.metrics.observeMerge("local", res)
	if res.NeedsInvalidate() {
		w.store.Invalidate(MessagesKey(m.ConversationID), true)
	}
}

// ── Conversations ─────────────────────────────────────────

var directNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chatsync:direct"))

// DirectConversationID derives the id of the 1:1 conversation between a and
// b. Both participants compute the same id.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(directNamespace, []byte(a+"\x00"+b)).String()
}

// CreateConversation creates a conversation with recipients, which always
// include the local identity. A 1:1 conversation reuses its deterministic id,
// and an already cached one is returned as is.
func (w *Writer) CreateConversation(ctx context.Context, recipients []string, title string) (*Conversation, error) {
	set := map[string]bool{w.cfg.Identity: true}
	for _, r := range recipients {
		if r != "" {
			set[r] = true
		}
	}
	members := make([]string, 0, len(set))
	for r := range set {
		members = append(members, r)
	}
	sort.Strings(members)

	id := uuid.NewString()
	if len(members) == 2 {
		id = DirectConversationID(members[0], members[1])
		if c, ok := cachedConversation(w.store, id); ok {
			return c.Clone(), nil
		}
	}

	now := w.now()
	c := &Conversation{
		UniqueID:       id,
		Recipients:     members,
		Title:          title,
		ArchivalStatus: ArchivalActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec, err := w.remote.CreateConversation(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	c.FileID = rec.FileID
	c.VersionTag = rec.VersionTag
	w.storeConversation(c, false)
	return c.Clone(), nil
}

// UpdateConversation applies mutate to c and writes it, rebasing once on a
// stale version tag.
func (w *Writer) UpdateConversation(ctx context.Context, c *Conversation, mutate func(*Conversation)) (*Conversation, error) {
	next := c.Clone()
	mutate(next)
	next.UpdatedAt = w.now()
	rec, err := w.remote.UpdateConversation(ctx, next)
	if errors.Is(err, ErrStaleVersion) {
		w.logger.Info("conversation_stale_rebase", "conversation", c.UniqueID, "version", c.VersionTag)
		cur, ferr := w.remote.GetConversation(ctx, c.UniqueID)
		if ferr != nil {
			return nil, fmt.Errorf("refresh stale conversation: %w", ferr)
		}
		next = cur.Clone()
		mutate(next)
		next.UpdatedAt = w.now()
		rec, err = w.remote.UpdateConversation(ctx, next)
	}
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	next.VersionTag = rec.VersionTag
	if rec.FileID != "" {
		next.FileID = rec.FileID
	}
	w.storeConversation(next, true)
	return next.Clone(), nil
}

// SetArchival moves c to status.
func (w *Writer) SetArchival(ctx context.Context, c *Conversation, status ArchivalStatus) (*Conversation, error) {
	return w.UpdateConversation(ctx, c, func(x *Conversation) { x.ArchivalStatus = status })
}

// RestoreConversation sets an archived or soft-deleted conversation back to
// Active. Concurrent restores of one conversation collapse into one.
func (w *Writer) RestoreConversation(ctx context.Context, conversationID string) error {
	w.mu.Lock()
	if w.restoring[conversationID] {
		w.mu.Unlock()
		return nil
	}
	w.restoring[conversationID] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.restoring, conversationID)
		w.mu.Unlock()
	}()

	c, err := w.conversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("restore conversation: %w", err)
	}
	if !c.ArchivalStatus.Hidden() {
		return nil
	}
	_, err = w.SetArchival(ctx, c, ArchivalActive)
	return err
}

// MarkRead moves the read marker of c to now.
func (w *Writer) MarkRead(ctx context.Context, c *Conversation) (*Conversation, error) {
	at := w.now()
	return w.UpdateConversation(ctx, c, func(x *Conversation) {
		if at.After(x.LastReadAt) {
			x.LastReadAt = at
		}
	})
}

// DeleteConversation deletes c on the server and purges it and its messages
// from the cache.
func (w *Writer) DeleteConversation(ctx context.Context, c *Conversation) error {
	if err := w.remote.DeleteConversation(ctx, c.UniqueID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete conversation: %w", err)
	}
	w.store.Update(ConversationsKey(), func(cur Entry, ok bool) (any, bool) {
		ps, _ := cur.Value.(*PageSet[*Conversation])
		if !ok || ps == nil {
			return nil, false
		}
		out := ps.Clone()
		for p := range out.Pages {
			items := out.Pages[p].Items[:0:0]
			for _, x := range out.Pages[p].Items {
				if x.UniqueID != c.UniqueID {
					items = append(items, x)
				}
			}
			out.Pages[p].Items = items
		}
		return out, true
	})
	w.store.Remove(ConversationKey(c.UniqueID))
	w.store.Remove(MessagesKey(c.UniqueID))
	if pr, ok := w.store.(interface{ RemovePrefix(Key) int }); ok {
		pr.RemovePrefix(newKey("message", c.UniqueID))
		pr.RemovePrefix(newKey("reactions", c.UniqueID))
	}

	w.mu.Lock()
	for id, e := range w.outbox {
		if e.Message.ConversationID == c.UniqueID {
			delete(w.outbox, id)
		}
	}
	n := len(w.outbox)
	w.mu.Unlock()
	w.metrics.setOutboxPending(n)
	w.logger.Info("conversation_deleted", "conversation", c.UniqueID)
	return nil
}

// conversation returns the cached conversation or fetches it.
func (w *Writer) conversation(ctx context.Context, id string) (*Conversation, error) {
	if c, ok := cachedConversation(w.store, id); ok {
		return c, nil
	}
	c, err := w.remote.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	SetEntity(w.store, ConversationKey(c.UniqueID), c)
	return c, nil
}

func (w *Writer) storeConversation(c *Conversation, isUpdate bool) {
	res := mergeConversationList(w.store, c, isUpdate)
	w.metrics.observeMerge("local", res)
	if res.NeedsInvalidate() {
		w.store.Invalidate(ConversationsKey(), true)
	}
	SetEntity(w.store, ConversationKey(c.UniqueID), c.Clone())
}
