package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Push Events
// ============================================================================

// EventKind names a push event on the wire.
type EventKind string

const (
	EventEntityAdded       EventKind = "entity.added"
	EventEntityModified    EventKind = "entity.modified"
	EventEntityDeleted     EventKind = "entity.deleted"
	EventReactionAdded     EventKind = "reaction.added"
	EventReactionDeleted   EventKind = "reaction.deleted"
	EventStatisticsChanged EventKind = "statistics.changed"
	EventNotificationAdded EventKind = "notification.added"
)

// AllEventKinds lists every kind the live processor understands.
var AllEventKinds = []EventKind{
	EventEntityAdded, EventEntityModified, EventEntityDeleted,
	EventReactionAdded, EventReactionDeleted,
	EventStatisticsChanged, EventNotificationAdded,
}

func (k EventKind) String() string { return string(k) }

// Envelope is the wire format shared by the websocket and webhook channels.
type Envelope struct {
	Type    string          `json:"type"`
	Scope   Scope           `json:"scope"`
	Payload json.RawMessage `json:"payload"`
}

// PushEvent is one decoded push event. The set of implementations is closed;
// see the Event* kinds.
type PushEvent interface {
	Kind() EventKind
	EventScope() Scope
	isPushEvent()
}

// EntityAdded reports a new remote entity.
type EntityAdded struct {
	Scope  Scope      `json:"-"`
	Entity *RawEntity `json:"entity"`
}

// EntityModified reports a changed remote entity.
type EntityModified struct {
	Scope  Scope      `json:"-"`
	Entity *RawEntity `json:"entity"`
}

// EntityDeleted reports a removed remote entity. It carries no content.
type EntityDeleted struct {
	Scope    Scope      `json:"-"`
	Type     EntityType `json:"type"`
	FileID   string     `json:"fileId"`
	UniqueID string     `json:"uniqueId,omitempty"`
	GroupID  string     `json:"groupId,omitempty"`
}

// ReactionAdded reports a reaction on a message.
type ReactionAdded struct {
	Scope          Scope    `json:"-"`
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	Reaction       Reaction `json:"reaction"`
}

// ReactionDeleted reports a removed reaction.
type ReactionDeleted struct {
	Scope          Scope    `json:"-"`
	ConversationID string   `json:"conversationId"`
	MessageID      string   `json:"messageId"`
	Reaction       Reaction `json:"reaction"`
}

// StatisticsChanged reports updated counters (reaction summary, read
// receipts) on an entity. It carries the full entity header.
type StatisticsChanged struct {
	Scope  Scope      `json:"-"`
	Entity *RawEntity `json:"entity"`
}

// NotificationAdded carries a generic notification.
type NotificationAdded struct {
	Scope        Scope        `json:"-"`
	Notification Notification `json:"notification"`
}

func (EntityAdded) Kind() EventKind       { return EventEntityAdded }
func (EntityModified) Kind() EventKind    { return EventEntityModified }
func (EntityDeleted) Kind() EventKind     { return EventEntityDeleted }
func (ReactionAdded) Kind() EventKind     { return EventReactionAdded }
func (ReactionDeleted) Kind() EventKind   { return EventReactionDeleted }
func (StatisticsChanged) Kind() EventKind { return EventStatisticsChanged }
func (NotificationAdded) Kind() EventKind { return EventNotificationAdded }

func (e EntityAdded) EventScope() Scope       { return e.Scope }
func (e EntityModified) EventScope() Scope    { return e.Scope }
func (e EntityDeleted) EventScope() Scope     { return e.Scope }
func (e ReactionAdded) EventScope() Scope     { return e.Scope }
func (e ReactionDeleted) EventScope() Scope   { return e.Scope }
func (e StatisticsChanged) EventScope() Scope { return e.Scope }
func (e NotificationAdded) EventScope() Scope { return e.Scope }

func (EntityAdded) isPushEvent()       {}
func (EntityModified) isPushEvent()    {}
func (EntityDeleted) isPushEvent()     {}
func (ReactionAdded) isPushEvent()     {}
func (ReactionDeleted) isPushEvent()   {}
func (StatisticsChanged) isPushEvent() {}
func (NotificationAdded) isPushEvent() {}

// DecodePushEvent decodes an envelope into its typed event.
func DecodePushEvent(env Envelope) (PushEvent, error) {
	var (
		ev  PushEvent
		err error
	)
	switch EventKind(env.Type) {
	case EventEntityAdded:
		var e EntityAdded
		err = json.Unmarshal(env.Payload, &e)
		e.Scope = env.Scope
		ev = e
	case EventEntityModified:
		var e EntityModified
		err = json.Unmarshal(env.Payload, &e)
		e.Scope = env.Scope
		ev = e
	case EventEntityDeleted:
		var e EntityDeleted
		err = json.Unmarshal(env.Payload, &e)
		e.Scope = env.Scope
		ev = e
	case EventReactionAdded:
		var e ReactionAdded
		err = json.Unmarshal(env.Payload, &e)
		e.Scope = env.Scope
		ev = e
	case EventReactionDeleted:
		var e ReactionDeleted
		err = json.Unmarshal(env.Payload, &e)
		e.Scope = env.Scope
		ev = e
	case EventStatisticsChanged:
		var e StatisticsChanged
		err = json.Unmarshal(env.Payload, &e)
		e.Scope = env.Scope
		ev = e
	case EventNotificationAdded:
		var e NotificationAdded
		err = json.Unmarshal(env.Payload, &e)
		e.Scope = env.Scope
		ev = e
	default:
		return nil, fmt.Errorf("unknown push event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

// EncodePushEvent builds the wire envelope for ev.
func EncodePushEvent(ev PushEvent) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", ev.Kind(), err)
	}
	return Envelope{Type: string(ev.Kind()), Scope: ev.EventScope(), Payload: payload}, nil
}

// ============================================================================
// Subscription
// ============================================================================

// SubscribeOptions selects and routes push events.
type SubscribeOptions struct {
	Kinds []EventKind
	Scope Scope
	// OnEvent is called for each event, in delivery order, on one goroutine.
	OnEvent      func(PushEvent)
	OnConnect    func()
	OnDisconnect func(err error)
}

// Subscription is a live push subscription.
type Subscription interface {
	Close() error
}

// Subscriber opens push subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}
