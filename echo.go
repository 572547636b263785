package chatsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EchoState is the state of the echo queue's flush timer.
type EchoState int

const (
	// EchoIdle has no flush pending.
	EchoIdle EchoState = iota
	// EchoScheduled has a flush timer armed.
	EchoScheduled
	// EchoFlushing is draining a batch into the cache.
	EchoFlushing
)

func (s EchoState) String() string {
	switch s {
	case EchoIdle:
		return "idle"
	case EchoScheduled:
		return "scheduled"
	case EchoFlushing:
		return "flushing"
	}
	return "unknown"
}

// ConversationRestorer restores an archived or soft-deleted conversation to
// Active. Writer implements it.
type ConversationRestorer interface {
	RestoreConversation(ctx context.Context, conversationID string) error
}

// EchoQueue batches this device's own messages as they come back over the
// push channel, so a burst of sends costs one merge per conversation rather
// than one per message.
//
// Echoes are held until EchoInterval passes after the first one, or until
// more than EchoThreshold are queued, whichever comes first.
type EchoQueue struct {
	store    Store
	restorer ConversationRestorer
	clock    Clock
	logger   *slog.Logger
	metrics  *Metrics

	interval  time.Duration
	threshold int

	mu    sync.Mutex
	state EchoState
	timer Timer
	gen   uint64
	queue []echoEntry
}

// echoEntry is a queued echo. added marks a message the server just
// created, as opposed to a change to one it already had.
type echoEntry struct {
	msg   *Message
	added bool
}

// NewEchoQueue creates an echo queue writing into store.
func NewEchoQueue(store Store, restorer ConversationRestorer, cfg Config, m *Metrics) *EchoQueue {
	cfg.defaults()
	return &EchoQueue{
		store:     store,
		restorer:  restorer,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "echo"),
		metrics:   m,
		interval:  cfg.EchoInterval,
		threshold: cfg.EchoThreshold,
	}
}

// State returns the current timer state.
func (q *EchoQueue) State() EchoState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of queued echoes.
func (q *EchoQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Enqueue adds the echo of a newly created own message. Its conversation is
// restored on flush if it was archived. It may flush synchronously when the
// threshold is exceeded.
func (q *EchoQueue) Enqueue(ctx context.Context, m *Message) {
	q.enqueue(ctx, echoEntry{msg: m, added: true})
}

// EnqueueUpdate adds the echo of a change to an existing own message, such
// as an edit, a star or a soft delete. It never restores the conversation.
func (q *EchoQueue) EnqueueUpdate(ctx context.Context, m *Message) {
	q.enqueue(ctx, echoEntry{msg: m})
}

func (q *EchoQueue) enqueue(ctx context.Context, e echoEntry) {
	if e.msg == nil {
		return
	}
	q.mu.Lock()
	q.queue = append(q.queue, e)
	n := len(q.queue)
	if q.state == EchoIdle {
		q.scheduleLocked()
	}
	q.mu.Unlock()
	q.metrics.setEchoQueued(n)

	if n > q.threshold {
		q.Flush(ctx)
	}
}

func (q *EchoQueue) scheduleLocked() {
	q.gen++
	gen := q.gen
	q.timer = q.clock.AfterFunc(q.interval, func() { q.onTimer(gen) })
	q.state = EchoScheduled
}

func (q *EchoQueue) onTimer(gen uint64) {
	q.mu.Lock()
	fire := q.state == EchoScheduled && q.gen == gen
	q.mu.Unlock()
	if fire {
		q.Flush(context.Background())
	}
}

// Flush merges every queued echo now and cancels the pending timer. A call
// made while another flush is running returns immediately; the running
// flush picks up anything queued in the meantime.
func (q *EchoQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.state == EchoFlushing {
		q.mu.Unlock()
		return
	}
	for {
		batch := q.queue
		q.queue = nil
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.gen++
		if len(batch) == 0 {
			q.state = EchoIdle
			q.mu.Unlock()
			q.metrics.setEchoQueued(0)
			return
		}
		q.state = EchoFlushing
		q.mu.Unlock()

		q.flushBatch(ctx, batch)

		q.mu.Lock()
		q.state = EchoIdle
		if len(q.queue) > q.threshold {
			continue
		}
		if len(q.queue) > 0 {
			q.scheduleLocked()
		}
		n := len(q.queue)
		q.mu.Unlock()
		q.metrics.setEchoQueued(n)
		return
	}
}

func (q *EchoQueue) flushBatch(ctx context.Context, batch []echoEntry) {
	msgs := make([]*Message, 0, len(batch))
	added := make(map[string]bool)
	for _, e := range batch {
		msgs = append(msgs, e.msg)
		if e.added {
			added[e.msg.ConversationID] = true
		}
	}
	groups := groupByConversation(dedupeByFileID(msgs))
	convIDs := make([]string, 0, len(groups))
	for id := range groups {
		convIDs = append(convIDs, id)
	}
	sort.Strings(convIDs)

	for _, convID := range convIDs {
		msgs := groups[convID]
		res := mergeIntoList(q.store, convID, msgs)
		q.metrics.observeMerge("echo", res)
		if res.NeedsInvalidate() {
			q.store.Invalidate(MessagesKey(convID), true)
		}
		if added[convID] {
			reviveConversation(ctx, q.store, q.restorer, convID, q.logger)
		}
	}
	q.metrics.echoFlushed(len(batch))
	q.logger.Debug("echo_flush", "messages", len(batch), "conversations", len(convIDs))
}

// dedupeByFileID keeps, for each FileID, the entry with the greatest
// UpdatedAt. Entries without a FileID pass through. Order of first
// appearance is preserved.
func dedupeByFileID(ms []*Message) []*Message {
	idx := make(map[string]int, len(ms))
	out := make([]*Message, 0, len(ms))
	for _, m := range ms {
		if m == nil {
			continue
		}
		if m.FileID == "" {
			out = append(out, m)
			continue
		}
		if i, ok := idx[m.FileID]; ok {
			if m.UpdatedAt.After(out[i].UpdatedAt) {
				out[i] = m
			}
			continue
		}
		idx[m.FileID] = len(out)
		out = append(out, m)
	}
	return out
}

func groupByConversation(ms []*Message) map[string][]*Message {
	out := make(map[string][]*Message)
	for _, m := range ms {
		out[m.ConversationID] = append(out[m.ConversationID], m)
	}
	return out
}

// mergeIntoList runs the batch merge against one conversation's cached list.
func mergeIntoList(store Store, convID string, msgs []*Message) MergeResult {
	res := MergeNoop
	store.Update(MessagesKey(convID), func(cur Entry, ok bool) (any, bool) {
		if !ok {
			res = MergeNoop
			return nil, false
		}
		ps, _ := cur.Value.(*PageSet[*Message])
		next, r := MergeMessages(ps, msgs)
		res = r
		if r == MergeDropped || next == nil {
			return nil, false
		}
		return next, true
	})
	return res
}
