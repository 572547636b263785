package chatsync

import "sort"

// ============================================================================
// Merge Engine
// ============================================================================
//
// The merge functions are pure: they never mutate the page-set or entities
// passed in and always return a fresh page-set. Every writer in the package
// (optimistic send, catch-up, live updates, echo flush) goes through them,
// so the identity and ordering rules live here and nowhere else.

// MergeResult tells the caller what a merge did.
type MergeResult int

const (
	// MergeApplied means the returned page-set holds the incoming entity.
	MergeApplied MergeResult = iota
	// MergeNoop means the target list is absent from the cache. The caller
	// must invalidate and refetch instead of dropping the update.
	MergeNoop
	// MergeRefetch means the page-set was truncated and marked NeedsRefetch.
	MergeRefetch
	// MergeDropped means the incoming entity was malformed and ignored.
	MergeDropped
)

func (r MergeResult) String() string {
	switch r {
	case MergeApplied:
		return "applied"
	case MergeNoop:
		return "noop"
	case MergeRefetch:
		return "refetch"
	case MergeDropped:
		return "dropped"
	}
	return "unknown"
}

// NeedsInvalidate reports whether the caller must invalidate the list.
func (r MergeResult) NeedsInvalidate() bool {
	return r == MergeNoop || r == MergeRefetch
}

// ── Messages ──────────────────────────────────────────────

func malformedMessage(m *Message) bool {
	return m == nil || (m.UniqueID == "" && m.ConversationID == "")
}

// MergeMessage merges a single incoming message into a conversation's
// page-set.
func MergeMessage(existing *PageSet[*Message], m *Message) (*PageSet[*Message], MergeResult) {
	if malformedMessage(m) {
		return existing, MergeDropped
	}
	if existing == nil {
		return nil, MergeNoop
	}
	if existing.Empty() {
		return existing.Truncate(), MergeRefetch
	}

	out := existing.Clone()
	p, i := locateMessage(out, m)
	var merged *Message
	if p < 0 {
		merged = m.Clone()
		out.Pages[0].Items = append([]*Message{merged}, out.Pages[0].Items...)
		p, i = 0, 0
	} else {
		merged = reconcileMessage(out.Pages[p].Items[i], m)
		out.Pages[p].Items[i] = merged
	}

	scrubMessages(out, merged)
	if p == 0 {
		sortFirstPage(out)
	}
	return out, MergeApplied
}

// MergeMessages merges a batch into a conversation's page-set. A batch of
// exactly one valid message is merged incrementally. An absent list is a
// no-op, as in MergeMessage. Larger batches, or a loaded but empty list,
// truncate the cache to its first page and ask for a refetch; incoming
// entries are never inserted on that path.
func MergeMessages(existing *PageSet[*Message], ms []*Message) (*PageSet[*Message], MergeResult) {
	valid := make([]*Message, 0, len(ms))
	for _, m := range ms {
		if !malformedMessage(m) {
			valid = append(valid, m)
		}
	}
	switch {
	case len(valid) == 0 && len(ms) > 0:
		return existing, MergeDropped
	case len(valid) == 0:
		return existing, MergeApplied
	case existing == nil:
		return nil, MergeNoop
	case existing.Empty():
		return existing.Truncate(), MergeRefetch
	case len(valid) == 1:
		return MergeMessage(existing, valid[0])
	}
	return existing.Truncate(), MergeRefetch
}

// locateMessage finds the entry matching m by FileID first, then UniqueID.
func locateMessage(ps *PageSet[*Message], m *Message) (page, idx int) {
	if m.FileID != "" {
		for p, pg := range ps.Pages {
			for i, e := range pg.Items {
				if e != nil && e.FileID == m.FileID {
					return p, i
				}
			}
		}
	}
	if m.UniqueID != "" {
		for p, pg := range ps.Pages {
			for i, e := range pg.Items {
				if e != nil && e.UniqueID == m.UniqueID {
					return p, i
				}
			}
		}
	}
	return -1, -1
}

// reconcileMessage builds the replacement for cached. Server fields from
// incoming win, local-only fields survive, and the delivery status never
// regresses.
func reconcileMessage(cached, incoming *Message) *Message {
	// A late delta result older than what a live event already delivered.
	// Only server timestamps are compared; the device clock may run ahead.
	if cached.FileID != "" && incoming.FileID != "" &&
		!cached.ServerUpdatedAt.IsZero() && !incoming.ServerUpdatedAt.IsZero() &&
		incoming.ServerUpdatedAt.Before(cached.ServerUpdatedAt) {
		out := cached.Clone()
		out.DeliveryStatus = ResolveDelivery(cached.DeliveryStatus, incoming.DeliveryStatus)
		out.DeliveryDetail = mergeDeliveryDetail(cached.DeliveryDetail, incoming.DeliveryDetail)
		return out
	}

	out := incoming.Clone()
	if out.UniqueID == "" {
		out.UniqueID = cached.UniqueID
	}
	if out.FileID == "" {
		out.FileID = cached.FileID
	}
	if out.ConversationID == "" {
		out.ConversationID = cached.ConversationID
	}
	// A soft-deleted message keeps nothing of its attachments.
	if !out.Archived {
		if out.Preview == nil && cached.Preview != nil {
			pv := *cached.Preview
			out.Preview = &pv
		}
		if len(out.PendingPayloads) == 0 && len(cached.PendingPayloads) > 0 {
			out.PendingPayloads = append([]PendingPayload(nil), cached.PendingPayloads...)
		}
	} else {
		out.Preview = nil
		out.PendingPayloads = nil
	}
	out.DeliveryStatus = ResolveDelivery(cached.DeliveryStatus, incoming.DeliveryStatus)
	out.DeliveryDetail = mergeDeliveryDetail(cached.DeliveryDetail, incoming.DeliveryDetail)
	return out
}

func mergeDeliveryDetail(cached, incoming map[string]DeliveryStatus) map[string]DeliveryStatus {
	if len(cached) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make(map[string]DeliveryStatus, len(cached)+len(incoming))
	for k, v := range cached {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = ResolveDelivery(out[k], v)
	}
	return out
}

// scrubMessages removes every entry other than keep that shares one of its ids.
func scrubMessages(ps *PageSet[*Message], keep *Message) {
	for p := range ps.Pages {
		items := ps.Pages[p].Items[:0:0]
		for _, e := range ps.Pages[p].Items {
			if e == nil {
				continue
			}
			if e != keep && sameMessage(e, keep) {
				continue
			}
			items = append(items, e)
		}
		ps.Pages[p].Items = items
	}
}

func sameMessage(a, b *Message) bool {
	if a.FileID != "" && a.FileID == b.FileID {
		return true
	}
	return a.UniqueID != "" && a.UniqueID == b.UniqueID
}

func sortFirstPage(ps *PageSet[*Message]) {
	items := ps.Pages[0].Items
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

// ── Conversations ─────────────────────────────────────────

// MergeConversation merges one conversation into the conversation list.
//
// Without the update hint a conversation is new unless an entry shares its
// FileID (its UniqueID when it has no FileID yet). With the hint it is an
// in-place update keyed by UniqueID, which covers a known conversation
// echoed back under a new FileID after recreation.
func MergeConversation(existing *PageSet[*Conversation], c *Conversation, isUpdateHint bool) (*PageSet[*Conversation], MergeResult) {
	if c == nil || (c.UniqueID == "" && c.FileID == "") {
		return existing, MergeDropped
	}
	if existing == nil {
		return nil, MergeNoop
	}

	out := existing.Clone()
	if len(out.Pages) == 0 {
		out.Pages = []Page[*Conversation]{{}}
	}
	p, i := locateConversation(out, c, isUpdateHint)
	var merged *Conversation
	if p < 0 {
		merged = c.Clone()
		out.Pages[0].Items = append([]*Conversation{merged}, out.Pages[0].Items...)
	} else {
		merged = reconcileConversation(out.Pages[p].Items[i], c)
		out.Pages[p].Items[i] = merged
	}
	scrubConversations(out, merged)
	return out, MergeApplied
}

func locateConversation(ps *PageSet[*Conversation], c *Conversation, byUniqueID bool) (page, idx int) {
	match := func(e *Conversation) bool {
		if byUniqueID || c.FileID == "" {
			return c.UniqueID != "" && e.UniqueID == c.UniqueID
		}
		return e.FileID == c.FileID
	}
	for p, pg := range ps.Pages {
		for i, e := range pg.Items {
			if e != nil && match(e) {
				return p, i
			}
		}
	}
	return -1, -1
}

func reconcileConversation(cached, incoming *Conversation) *Conversation {
	out := incoming.Clone()
	if out.UniqueID == "" {
		out.UniqueID = cached.UniqueID
	}
	if out.FileID == "" {
		out.FileID = cached.FileID
	}
	if cached.LastReadAt.After(out.LastReadAt) {
		out.LastReadAt = cached.LastReadAt
	}
	return out
}

func scrubConversations(ps *PageSet[*Conversation], keep *Conversation) {
	for p := range ps.Pages {
		items := ps.Pages[p].Items[:0:0]
		for _, e := range ps.Pages[p].Items {
			if e == nil {
				continue
			}
			if e != keep && keep.UniqueID != "" && e.UniqueID == keep.UniqueID {
				continue
			}
			items = append(items, e)
		}
		ps.Pages[p].Items = items
	}
}

// FindConversation returns the cached conversation with the given UniqueID.
func FindConversation(ps *PageSet[*Conversation], uniqueID string) (*Conversation, bool) {
	if ps == nil {
		return nil, false
	}
	for _, pg := range ps.Pages {
		for _, c := range pg.Items {
			if c != nil && c.UniqueID == uniqueID {
				return c, true
			}
		}
	}
	return nil, false
}

// FindMessage returns the cached message matching m's FileID or UniqueID.
func FindMessage(ps *PageSet[*Message], m *Message) (*Message, bool) {
	if ps.Empty() || m == nil {
		return nil, false
	}
	p, i := locateMessage(ps, m)
	if p < 0 {
		return nil, false
	}
	return ps.Pages[p].Items[i], true
}
