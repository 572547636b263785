package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

// ============================================================================
// Catch-Up Synchronizer
// ============================================================================

// InboxAPI is what the catch-up run needs from the remote.
type InboxAPI interface {
	QueryAPI
	GetConversation(ctx context.Context, uniqueID string) (*Conversation, error)
}

// InboxReport summarises one catch-up run.
type InboxReport struct {
	StartedAt     time.Time
	ColdStart     bool
	Since         time.Time // window start; zero on a cold start
	Drained       int
	Messages      int
	Conversations int
	Invalidated   int
	Restored      int
	Dropped       int
	// Truncated is set when a delta query hit the page cap; the affected
	// lists were invalidated wholesale.
	Truncated bool
	Duration  time.Duration
}

// InboxProcessor runs catch-up: drain the server's pending queue, then fetch
// everything created or modified since the last successful run and merge it.
type InboxProcessor struct {
	remote   InboxAPI
	store    Store
	state    SyncState
	conv     Converter
	restorer ConversationRestorer
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics

	running atomic.Bool
}

// InboxOptions are the collaborators of an InboxProcessor.
type InboxOptions struct {
	Remote    InboxAPI
	Store     Store
	State     SyncState
	Converter Converter
	Restorer  ConversationRestorer
	Config    Config
	Metrics   *Metrics
}

// NewInboxProcessor creates a catch-up processor.
func NewInboxProcessor(opts InboxOptions) *InboxProcessor {
	cfg := opts.Config
	cfg.defaults()
	state := opts.State
	if state == nil {
		state = NewMemoryState()
	}
	conv := opts.Converter
	if conv == nil {
		conv = NewDefaultConverter(opts.Remote)
	}
	return &InboxProcessor{
		remote:   opts.Remote,
		store:    opts.Store,
		state:    state,
		conv:     conv,
		restorer: opts.Restorer,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "inbox"),
		metrics:  opts.Metrics,
	}
}

// Running reports whether a run is in progress.
func (p *InboxProcessor) Running() bool { return p.running.Load() }

// Run performs one catch-up run. A failed run leaves the last-success time
// untouched so the next run covers the same window. Runs do not overlap.
func (p *InboxProcessor) Run(ctx context.Context) (*InboxReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer p.running.Store(false)

	report := &InboxReport{StartedAt: p.cfg.Clock.Now()}
	err := p.run(ctx, report)
	report.Duration = p.cfg.Clock.Now().Sub(report.StartedAt)
	p.metrics.inboxRun(err == nil, report.Duration, report.StartedAt)
	if err != nil {
		p.logger.Error("inbox_run_failed", "error", err, "duration", report.Duration)
		return report, err
	}
	p.logger.Info("inbox_run_complete",
		"cold_start", report.ColdStart,
		"drained", report.Drained,
		"messages", report.Messages,
		"conversations", report.Conversations,
		"invalidated", report.Invalidated,
		"restored", report.Restored,
		"duration", report.Duration,
	)
	return report, nil
}

func (p *InboxProcessor) run(ctx context.Context, report *InboxReport) error {
	// Phase A
	sum, err := p.remote.DrainPendingQueue(ctx, p.cfg.DrainBatchSize)
	if err != nil {
		return fmt.Errorf("drain pending queue: %w", err)
	}
	if sum != nil {
		report.Drained = sum.Processed
		p.logger.Debug("inbox_drained", "processed", sum.Processed, "remaining", sum.Remaining, "complete", sum.Complete)
	}

	// Phase B
	last, ok, err := p.state.LastSuccess(ctx)
	if err != nil {
		return fmt.Errorf("read last success: %w", err)
	}
	if !ok {
		report.ColdStart = true
		report.Invalidated += p.invalidateAll()
	} else {
		report.Since = last.Add(-p.cfg.SafetyBuffer)
		if err := p.delta(ctx, report); err != nil {
			return err
		}
	}

	if err := p.state.SetLastSuccess(ctx, report.StartedAt); err != nil {
		return fmt.Errorf("store last success: %w", err)
	}
	return nil
}

func (p *InboxProcessor) invalidateAll() int {
	n := len(p.store.Invalidate(ConversationsKey(), true))
	n += len(p.store.Invalidate(MessagesKey(), false))
	p.metrics.invalidated("cold_start", n)
	return n
}

func (p *InboxProcessor) delta(ctx context.Context, report *InboxReport) error {
	convs, convComplete, err := p.fetchDelta(ctx, EntityConversation, report.Since)
	if err != nil {
		return err
	}
	msgs, msgComplete, err := p.fetchDelta(ctx, EntityMessage, report.Since)
	if err != nil {
		return err
	}
	p.metrics.inboxReceived(EntityConversation, len(convs))
	p.metrics.inboxReceived(EntityMessage, len(msgs))

	p.applyConversations(ctx, convs, report)
	p.applyMessages(ctx, msgs, report)

	if !convComplete {
		report.Truncated = true
		report.Invalidated += len(p.store.Invalidate(ConversationsKey(), true))
	}
	if !msgComplete {
		report.Truncated = true
		report.Invalidated += len(p.store.Invalidate(MessagesKey(), false))
	}
	return nil
}

// fetchDelta runs both delta queries for t, following cursors, and returns
// the union deduplicated by FileID (latest Updated wins). complete is false
// when a query still had pages after MaxDeltaPages.
func (p *InboxProcessor) fetchDelta(ctx context.Context, t EntityType, since time.Time) (ents []*RawEntity, complete bool, err error) {
	complete = true
	queries := []struct {
		name string
		fn   func(context.Context, DeltaQuery) (*QueryPage, error)
	}{
		{"created", p.remote.QueryCreatedSince},
		{"modified", p.remote.QueryModifiedSince},
	}
	var all []*RawEntity
	for _, q := range queries {
		cursor := ""
		pages := 0
		for {
			page, err := q.fn(ctx, DeltaQuery{
				Type:   t,
				Scope:  p.cfg.Scope,
				Since:  since,
				Cursor: cursor,
				Limit:  p.cfg.PageSize,
			})
			if err != nil {
				return nil, false, fmt.Errorf("query %s %s since %s: %w", t, q.name, since.Format(time.RFC3339), err)
			}
			pages++
			all = append(all, page.Entities...)
			if !page.HasMore || page.Cursor == "" {
				break
			}
			if pages >= p.cfg.MaxDeltaPages {
				p.logger.Warn("inbox_delta_truncated", "type", t.String(), "query", q.name, "pages", pages)
				complete = false
				break
			}
			cursor = page.Cursor
		}
	}
	return dedupeRaw(all), complete, nil
}

func dedupeRaw(ents []*RawEntity) []*RawEntity {
	idx := make(map[string]int, len(ents))
	out := make([]*RawEntity, 0, len(ents))
	for _, e := range ents {
		if e == nil {
			continue
		}
		id := e.FileID
		if id == "" {
			id = "u:" + e.UniqueID
		}
		if i, ok := idx[id]; ok {
			if e.Updated.After(out[i].Updated) {
				out[i] = e
			}
			continue
		}
		idx[id] = len(out)
		out = append(out, e)
	}
	return out
}

func (p *InboxProcessor) applyConversations(ctx context.Context, raws []*RawEntity, report *InboxReport) {
	for _, raw := range raws {
		if raw.Deleted {
			n := len(p.store.Invalidate(ConversationsKey(), true))
			if raw.UniqueID != "" {
				n += len(p.store.Invalidate(ConversationKey(raw.UniqueID), true))
			}
			report.Invalidated += n
			p.metrics.invalidated("deleted", n)
			continue
		}
		c, err := p.conv.ToConversation(ctx, raw)
		if err != nil {
			p.logger.Warn("inbox_conversation_corrupt", "file_id", raw.FileID, "error", err)
			n := len(p.store.Invalidate(ConversationsKey(), true))
			report.Invalidated += n
			p.metrics.invalidated("corrupt", n)
			continue
		}
		res := mergeConversationList(p.store, c, false)
		p.metrics.observeMerge("inbox", res)
		if res.NeedsInvalidate() {
			report.Invalidated += len(p.store.Invalidate(ConversationsKey(), true))
		}
		SetEntity(p.store, ConversationKey(c.UniqueID), c)
		report.Conversations++
	}
}

func (p *InboxProcessor) applyMessages(ctx context.Context, raws []*RawEntity, report *InboxReport) {
	groups := make(map[string][]*Message)
	fresh := make(map[string]bool)
	for _, raw := range raws {
		m, err := p.conv.ToMessage(ctx, raw)
		switch {
		case errors.Is(err, ErrOrphanedMessage):
			p.logger.Warn("inbox_message_orphaned", "file_id", raw.FileID, "error", err)
			report.Dropped++
			continue
		case err != nil:
			p.logger.Warn("inbox_message_corrupt", "file_id", raw.FileID, "conversation", raw.GroupID, "error", err)
			n := len(p.store.Invalidate(MessagesKey(raw.GroupID), true))
			report.Invalidated += n
			p.metrics.invalidated("corrupt", n)
			continue
		}
		groups[m.ConversationID] = append(groups[m.ConversationID], m)
		// The safety buffer overlaps the previous run; messages already
		// cached then are not new.
		if !m.Archived && !m.CreatedAt.Before(report.Since) && !messageInCache(p.store, m) {
			fresh[m.ConversationID] = true
		}
	}

	convIDs := make([]string, 0, len(groups))
	for id := range groups {
		convIDs = append(convIDs, id)
	}
	sort.Strings(convIDs)

	for _, convID := range convIDs {
		msgs := groups[convID]
		if p.orphaned(ctx, convID) {
			p.logger.Warn("inbox_conversation_missing", "conversation", convID, "messages", len(msgs))
			report.Dropped += len(msgs)
			delete(fresh, convID)
			continue
		}
		res := mergeIntoList(p.store, convID, msgs)
		p.metrics.observeMerge("inbox", res)
		if res.NeedsInvalidate() {
			n := len(p.store.Invalidate(MessagesKey(convID), true))
			report.Invalidated += n
			p.metrics.invalidated("merge_"+res.String(), n)
		}
		report.Messages += len(msgs)
	}

	for _, convID := range convIDs {
		if fresh[convID] && reviveConversation(ctx, p.store, p.restorer, convID, p.logger) {
			report.Restored++
		}
	}
}

func messageInCache(store Store, m *Message) bool {
	ps, ok := GetList[*Message](store, MessagesKey(m.ConversationID))
	if !ok {
		return false
	}
	_, found := FindMessage(ps, m)
	return found
}

// orphaned reports whether convID is unknown both locally and remotely.
// Lookup failures other than not-found are treated as known.
func (p *InboxProcessor) orphaned(ctx context.Context, convID string) bool {
	if _, ok := cachedConversation(p.store, convID); ok {
		return false
	}
	c, err := p.remote.GetConversation(ctx, convID)
	if errors.Is(err, ErrNotFound) {
		return true
	}
	if err != nil {
		p.logger.Debug("inbox_conversation_lookup_failed", "conversation", convID, "error", err)
		return false
	}
	SetEntity(p.store, ConversationKey(c.UniqueID), c)
	return false
}
