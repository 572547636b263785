package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// EngineOptions wires an Engine. Remote is required; everything else has a
// default (in-memory store and state, no push channel).
type EngineOptions struct {
	Remote        Remote
	Subscriber    Subscriber
	Store         Store
	State         SyncState
	Converter     Converter
	Notifications NotificationSink
	Config        Config
	Metrics       *Metrics
	// AutoRefresh makes the loader reload invalidated lists in the background.
	AutoRefresh bool
}

// Engine ties the components together and enforces connect ordering:
// catch-up completes before live events are applied, on the first connect
// and on every reconnect.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	store   Store
	writer  *Writer
	echo    *EchoQueue
	inbox   *InboxProcessor
	live    *LiveProcessor
	loader  *Loader
	sub     Subscriber
	metrics *Metrics

	autoRefresh bool

	mu         sync.Mutex
	ctx        context.Context
	started    bool
	connects   int
	catchingUp bool
	buffered   []PushEvent
	handle     Subscription
}

// NewEngine builds an engine and its components.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errors.New("chatsync: engine needs a remote")
	}
	cfg := opts.Config
	cfg.defaults()

	store := opts.Store
	if store == nil {
		store = NewMemoryStore().WithLogger(cfg.Logger)
	}
	conv := opts.Converter
	if conv == nil {
		conv = NewDefaultConverter(opts.Remote)
	}

	writer := NewWriter(opts.Remote, store, cfg, opts.Metrics)
	echo := NewEchoQueue(store, writer, cfg, opts.Metrics)
	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "engine"),
		store:  store,
		writer: writer,
		echo:   echo,
		inbox: NewInboxProcessor(InboxOptions{
			Remote:    opts.Remote,
			Store:     store,
			State:     opts.State,
			Converter: conv,
			Restorer:  writer,
			Config:    cfg,
			Metrics:   opts.Metrics,
		}),
		live: NewLiveProcessor(LiveOptions{
			Store:         store,
			Converter:     conv,
			Echo:          echo,
			Restorer:      writer,
			Notifications: opts.Notifications,
			Config:        cfg,
			Metrics:       opts.Metrics,
		}),
		loader:      NewLoader(opts.Remote, store, cfg, opts.Metrics),
		sub:         opts.Subscriber,
		metrics:     opts.Metrics,
		autoRefresh: opts.AutoRefresh,
	}
	return e, nil
}

func (e *Engine) Store() Store           { return e.store }
func (e *Engine) Writer() *Writer        { return e.writer }
func (e *Engine) Echo() *EchoQueue       { return e.echo }
func (e *Engine) Inbox() *InboxProcessor { return e.inbox }
func (e *Engine) Live() *LiveProcessor   { return e.live }
func (e *Engine) Loader() *Loader        { return e.loader }
func (e *Engine) Metrics() *Metrics      { return e.metrics }
func (e *Engine) Config() Config         { return e.cfg }
func (e *Engine) Subscriber() Subscriber { return e.sub }

// Sync runs one catch-up outside the connect cycle, e.g. on a schedule.
func (e *Engine) Sync(ctx context.Context) (*InboxReport, error) {
	return e.inbox.Run(ctx)
}

// Start runs catch-up and, once it succeeds, subscribes to the push channel.
// A failed catch-up is returned and nothing is subscribed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.ctx = ctx
	e.mu.Unlock()

	if e.autoRefresh {
		e.loader.Watch(ctx)
	}
	if _, err := e.inbox.Run(ctx); err != nil {
		return fmt.Errorf("initial catch-up: %w", err)
	}

	if e.sub != nil {
		h, err := e.sub.Subscribe(ctx, SubscribeOptions{
			Kinds:        AllEventKinds,
			Scope:        e.cfg.Scope,
			OnEvent:      e.onEvent,
			OnConnect:    e.onConnect,
			OnDisconnect: e.onDisconnect,
		})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		e.mu.Lock()
		e.handle = h
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	e.logger.Info("engine_started", "identity", e.cfg.Identity, "drive", e.cfg.Scope.Drive)
	return nil
}

// Stop flushes pending echoes and closes the subscription.
func (e *Engine) Stop(ctx context.Context) error {
	e.echo.Flush(ctx)
	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.started = false
	e.mu.Unlock()
	if h != nil {
		return h.Close()
	}
	return nil
}

func (e *Engine) onEvent(ev PushEvent) {
	e.mu.Lock()
	if e.catchingUp {
		e.buffered = append(e.buffered, ev)
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.mu.Unlock()
	e.apply(ctx, ev)
}

func (e *Engine) apply(ctx context.Context, ev PushEvent) {
	if err := e.live.Handle(ctx, ev); err != nil {
		e.logger.Error("live_event_failed", "kind", ev.Kind(), "error", err)
	}
}

// onConnect re-runs catch-up on every connect after the first. Events that
// arrive meanwhile are held and applied in order afterwards.
func (e *Engine) onConnect() {
	e.mu.Lock()
	e.connects++
	if e.connects == 1 {
		e.mu.Unlock()
		return
	}
	e.catchingUp = true
	ctx := e.ctx
	n := e.connects
	e.mu.Unlock()

	e.logger.Info("engine_reconnected", "connects", n)
	if _, err := e.inbox.Run(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		e.logger.Warn("reconnect_catch_up_failed", "error", err)
	}

	for {
		e.mu.Lock()
		batch := e.buffered
		e.buffered = nil
		if len(batch) == 0 {
			e.catchingUp = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		for _, ev := range batch {
			e.apply(ctx, ev)
		}
	}
}

func (e *Engine) onDisconnect(err error) {
	e.logger.Warn("engine_disconnected", "error", err)
}
