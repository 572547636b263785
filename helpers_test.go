package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// ── fakeClock ─────────────────────────────────────────────

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock only fires timers when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// Armed counts timers that are neither stopped nor fired.
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ── fakeRemote ────────────────────────────────────────────

// fakeRemote is an in-memory Remote. Query responses are served from
// created/modified page lists; writes are recorded.
type fakeRemote struct {
	mu sync.Mutex

	drainErr error
	drained  int

	created  map[EntityType][]*QueryPage
	modified map[EntityType][]*QueryPage
	queryErr error
	queries  []DeltaQuery

	// queryHook runs before every created-since query.
	queryHook func()

	payloads map[string][]byte

	conversations map[string]*Conversation
	messages      map[string]*Message
	convPages     []*Conversation
	msgPages      map[string][]*Page[*Message]

	createMessageErr  error
	failedRecipients  []string
	staleUpdates      int
	updateErr         error
	createdMessages   []*Message
	updatedMessages   []*Message
	deletedMessages   []string
	createdConvs      []*Conversation
	updatedConvs      []*Conversation
	deletedConvs      []string
	getConversation   int
	fileSeq           int
	listMessagesCalls int
}

var _ Remote = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		created:       make(map[EntityType][]*QueryPage),
		modified:      make(map[EntityType][]*QueryPage),
		payloads:      make(map[string][]byte),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		msgPages:      make(map[string][]*Page[*Message]),
	}
}

func (r *fakeRemote) servePage(pages []*QueryPage, cursor string) *QueryPage {
	if len(pages) == 0 {
		return &QueryPage{}
	}
	i := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "p%d", &i)
	}
	if i >= len(pages) {
		return &QueryPage{}
	}
	p := *pages[i]
	if i+1 < len(pages) {
		p.HasMore = true
		p.Cursor = fmt.Sprintf("p%d", i+1)
	}
	return &p
}

func (r *fakeRemote) QueryCreatedSince(_ context.Context, q DeltaQuery) (*QueryPage, error) {
	if r.queryHook != nil {
		r.queryHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	return r.servePage(r.created[q.Type], q.Cursor), nil
}

func (r *fakeRemote) QueryModifiedSince(_ context.Context, q DeltaQuery) (*QueryPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	return r.servePage(r.modified[q.Type], q.Cursor), nil
}

func (r *fakeRemote) DrainPendingQueue(_ context.Context, maxBatch int) (*DrainSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drainErr != nil {
		return nil, r.drainErr
	}
	r.drained++
	return &DrainSummary{Processed: 0, Complete: true}, nil
}

func (r *fakeRemote) FetchPayload(_ context.Context, fileID, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.payloads[fileID+"/"+key]
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Status: 404}
	}
	return b, nil
}

func (r *fakeRemote) ListConversations(context.Context, string, int) (*Page[*Conversation], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Page[*Conversation]{Items: append([]*Conversation(nil), r.convPages...)}, nil
}

func (r *fakeRemote) ListMessages(_ context.Context, convID, cursor string, _ int) (*Page[*Message], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listMessagesCalls++
	pages := r.msgPages[convID]
	i := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "m%d", &i)
	}
	if i >= len(pages) {
		return &Page[*Message]{}, nil
	}
	p := *pages[i]
	p.Items = append([]*Message(nil), p.Items...)
	if i+1 < len(pages) {
		p.Cursor = fmt.Sprintf("m%d", i+1)
	}
	return &p, nil
}

func (r *fakeRemote) GetConversation(_ context.Context, id string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getConversation++
	c, ok := r.conversations[id]
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Message: "no such conversation", Status: 404}
	}
	return c.Clone(), nil
}

func (r *fakeRemote) GetMessage(_ context.Context, convID, id string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.ConversationID != convID {
		return nil, &APIError{Code: "NOT_FOUND", Status: 404}
	}
	return m.Clone(), nil
}

func (r *fakeRemote) nextFileID() string {
	r.fileSeq++
	return fmt.Sprintf("f-%03d", r.fileSeq)
}

func (r *fakeRemote) CreateMessage(_ context.Context, m *Message) (*WriteReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createdMessages = append(r.createdMessages, m.Clone())
	if r.createMessageErr != nil {
		return nil, r.createMessageErr
	}
	rec := &WriteReceipt{FileID: r.nextFileID(), VersionTag: "v1", ServerReceivedAt: t0}
	stored := m.Clone()
	stored.FileID, stored.VersionTag = rec.FileID, rec.VersionTag
	r.messages[m.UniqueID] = stored
	if len(r.failedRecipients) > 0 {
		rec.FailedRecipients = r.failedRecipients
		return rec, &PartialDeliveryError{FailedRecipients: r.failedRecipients}
	}
	return rec, nil
}

func (r *fakeRemote) UpdateMessage(_ context.Context, m *Message) (*WriteReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updatedMessages = append(r.updatedMessages, m.Clone())
	if r.staleUpdates > 0 {
		r.staleUpdates--
		return nil, &APIError{Code: "VERSION_CONFLICT", Status: 409}
	}
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	stored := m.Clone()
	stored.VersionTag = "v" + fmt.Sprint(len(r.updatedMessages)+1)
	r.messages[m.UniqueID] = stored
	return &WriteReceipt{FileID: m.FileID, VersionTag: stored.VersionTag}, nil
}

func (r *fakeRemote) DeleteMessage(_ context.Context, _, id string, hard bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedMessages = append(r.deletedMessages, id)
	delete(r.messages, id)
	return nil
}

func (r *fakeRemote) CreateConversation(_ context.Context, c *Conversation) (*WriteReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createdConvs = append(r.createdConvs, c.Clone())
	rec := &WriteReceipt{FileID: r.nextFileID(), VersionTag: "v1"}
	stored := c.Clone()
	stored.FileID, stored.VersionTag = rec.FileID, rec.VersionTag
	r.conversations[c.UniqueID] = stored
	return rec, nil
}

func (r *fakeRemote) UpdateConversation(_ context.Context, c *Conversation) (*WriteReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updatedConvs = append(r.updatedConvs, c.Clone())
	if r.staleUpdates > 0 {
		r.staleUpdates--
		return nil, &APIError{Code: "VERSION_CONFLICT", Status: 409}
	}
	stored := c.Clone()
	stored.VersionTag = "v" + fmt.Sprint(len(r.updatedConvs)+1)
	r.conversations[c.UniqueID] = stored
	return &WriteReceipt{FileID: c.FileID, VersionTag: stored.VersionTag}, nil
}

func (r *fakeRemote) DeleteConversation(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedConvs = append(r.deletedConvs, id)
	delete(r.conversations, id)
	return nil
}

func (r *fakeRemote) queryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

// ── fakeRestorer ──────────────────────────────────────────

type fakeRestorer struct {
	mu    sync.Mutex
	calls []string
	done  chan string
}

func newFakeRestorer() *fakeRestorer { return &fakeRestorer{done: make(chan string, 16)} }

func (r *fakeRestorer) RestoreConversation(_ context.Context, id string) error {
	r.mu.Lock()
	r.calls = append(r.calls, id)
	r.mu.Unlock()
	r.done <- id
	return nil
}

func (r *fakeRestorer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// ── fakeSubscriber ────────────────────────────────────────

type fakeSubscription struct{ closed bool }

func (s *fakeSubscription) Close() error {
	s.closed = true
	return nil
}

// fakeSubscriber captures the options so tests can drive the callbacks.
type fakeSubscriber struct {
	opts SubscribeOptions
	sub  *fakeSubscription
	// queriesAtSubscribe is how many delta queries had run when Subscribe
	// was called.
	queriesAtSubscribe int
	remote             *fakeRemote
	err                error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, opts SubscribeOptions) (Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.opts = opts
	if s.remote != nil {
		s.queriesAtSubscribe = s.remote.queryCount()
	}
	s.sub = &fakeSubscription{}
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	return s.sub, nil
}

// ── Entity builders ───────────────────────────────────────

func msg(uniqueID, fileID, convID string, created time.Time) *Message {
	return &Message{
		UniqueID:        uniqueID,
		FileID:          fileID,
		ConversationID:  convID,
		SenderID:        "bob",
		Body:            MessageBody{Text: "text of " + uniqueID},
		DeliveryStatus:  DeliverySent,
		CreatedAt:       created,
		UpdatedAt:       created,
		ServerUpdatedAt: created,
	}
}

func rawMessage(fileID, uniqueID, convID, sender, text string, created time.Time) *RawEntity {
	content, _ := json.Marshal(map[string]any{"text": text})
	return &RawEntity{
		FileID:   fileID,
		UniqueID: uniqueID,
		GroupID:  convID,
		Type:     EntityMessage,
		SenderID: sender,
		Content:  content,
		Created:  created,
		Updated:  created,
	}
}

func rawConversation(fileID, uniqueID string, status ArchivalStatus, recipients ...string) *RawEntity {
	content, _ := json.Marshal(map[string]any{"title": "chat " + uniqueID, "recipients": recipients})
	return &RawEntity{
		FileID:         fileID,
		UniqueID:       uniqueID,
		Type:           EntityConversation,
		Content:        content,
		ArchivalStatus: status,
		Created:        t0,
		Updated:        t0,
	}
}

func ids(ms []*Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.UniqueID
	}
	return out
}
