package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// AuthenticatedPayload is the first frame the server sends on a new socket.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type subscribePayload struct {
	Kinds []EventKind `json:"kinds"`
	Scope Scope       `json:"scope"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the websocket subscriber.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int // negative retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that stayed up for a
// minute resets the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the websocket push transport. It implements Subscriber.
type RealtimeClient struct {
	baseURL string
	config  RealtimeConfig
}

// NewRealtimeClient creates a subscriber for the server at baseURL.
func NewRealtimeClient(baseURL string, cfg RealtimeConfig) *RealtimeClient {
	cfg.defaults()
	return &RealtimeClient{baseURL: strings.TrimRight(baseURL, "/"), config: cfg}
}

// WSURL returns the websocket endpoint including the token.
func (rc *RealtimeClient) WSURL() string {
	u := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(rc.config.Token)
}

// Subscribe dials, authenticates and subscribes. It returns once the first
// connection is live; OnConnect has run by then. With AutoReconnect the
// subscription survives dropped connections until Close or ctx ends.
func (rc *RealtimeClient) Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error) {
	life, cancel := context.WithCancel(ctx)
	s := &RealtimeSubscription{
		rc:           rc,
		opts:         opts,
		logger:       rc.config.Logger.With("component", "realtime"),
		recon:        newReconnector(&rc.config),
		life:         life,
		cancel:       cancel,
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
		done:         make(chan struct{}),
	}
	if err := s.connect(life); err != nil {
		cancel()
		return nil, err
	}
	go s.run()
	return s, nil
}

// RealtimeSubscription is one live subscription over a websocket.
type RealtimeSubscription struct {
	rc     *RealtimeClient
	opts   SubscribeOptions
	logger *slog.Logger
	recon  *reconnector

	life   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	conn  *websocket.Conn
	state RealtimeState

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// State returns the current connection state.
func (s *RealtimeSubscription) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RealtimeSubscription) setState(st RealtimeState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close ends the subscription and waits for its read loop. It must not be
// called from OnEvent.
func (s *RealtimeSubscription) Close() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		// The read loop may already have torn the socket down.
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	<-s.done
	s.clearPendingPings()
	return nil
}

// connect dials one socket, waits for the authenticated frame, sends the
// subscribe command and runs OnConnect before any event is read.
func (s *RealtimeSubscription) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, s.rc.WSURL(), &websocket.DialOptions{
		HTTPClient: s.rc.config.HTTPClient,
	})
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	if err := s.Send(ctx, &RealtimeCommand{
		Type:    "subscribe",
		Payload: subscribePayload{Kinds: s.opts.Kinds, Scope: s.opts.Scope},
	}); err != nil {
		s.drop(conn)
		return fmt.Errorf("send subscribe: %w", err)
	}
	s.recon.markConnected()
	s.logger.Info("realtime_connected", "user", auth.UserID, "kinds", len(s.opts.Kinds))

	if s.opts.OnConnect != nil {
		s.opts.OnConnect()
	}
	return nil
}

func (s *RealtimeSubscription) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

// run serves connections until the subscription ends, reconnecting with
// backoff between them.
func (s *RealtimeSubscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		err := s.serve(conn)
		if s.life.Err() != nil {
			return
		}
		s.drop(conn)
		s.clearPendingPings()
		s.logger.Warn("realtime_disconnected", "error", err)
		if s.opts.OnDisconnect != nil {
			s.opts.OnDisconnect(err)
		}
		if !s.rc.config.AutoReconnect || !s.reconnect() {
			return
		}
	}
}

func (s *RealtimeSubscription) reconnect() bool {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.logger.Info("realtime_reconnecting", "attempt", s.recon.attempt, "delay", delay)

		select {
		case <-s.life.Done():
			return false
		case <-time.After(delay):
		}
		err := s.connect(s.life)
		if err == nil {
			return true
		}
		s.logger.Warn("realtime_reconnect_failed", "attempt", s.recon.attempt, "error", err)
	}
	s.setState(StateDisconnected)
	s.logger.Error("realtime_gave_up", "attempts", s.recon.attempt)
	return false
}

// serve reads one connection until it fails. Events go to OnEvent in
// arrival order on this goroutine.
func (s *RealtimeSubscription) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(s.life)
	defer cancel()
	go s.heartbeatLoop(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("realtime_bad_frame", "error", err)
			continue
		}
		switch env.Type {
		case "pong":
			s.resolvePong(env.Payload)
			continue
		case "error":
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			s.logger.Warn("realtime_server_error", "message", p.Message)
			continue
		case "subscribed", "authenticated":
			continue
		}
		ev, err := DecodePushEvent(env)
		if err != nil {
			s.logger.Debug("realtime_event_skipped", "type", env.Type, "error", err)
			continue
		}
		if !s.wants(ev) {
			continue
		}
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(ev)
		}
	}
}

func (s *RealtimeSubscription) wants(ev PushEvent) bool {
	if len(s.opts.Kinds) == 0 {
		return true
	}
	for _, k := range s.opts.Kinds {
		if k == ev.Kind() {
			return true
		}
	}
	return false
}

func (s *RealtimeSubscription) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("realtime_heartbeat_failed", "error", err)
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// Send writes a raw command on the current connection.
func (s *RealtimeSubscription) Send(ctx context.Context, cmd *RealtimeCommand) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (s *RealtimeSubscription) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", s.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	s.pendingMu.Lock()
	s.pendingPings[requestID] = ch
	s.pendingMu.Unlock()
	forget := func() {
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
	}

	err := s.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(s.rc.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (s *RealtimeSubscription) resolvePong(raw json.RawMessage) {
	var p PongPayload
	if json.Unmarshal(raw, &p) != nil || p.RequestID == "" {
		return
	}
	s.pendingMu.Lock()
	ch, ok := s.pendingPings[p.RequestID]
	if ok {
		delete(s.pendingPings, p.RequestID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (s *RealtimeSubscription) clearPendingPings() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingPings {
		close(ch)
		delete(s.pendingPings, k)
	}
	s.pendingMu.Unlock()
}
