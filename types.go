package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrCorruptEntity is returned when a raw entity converts to empty content.
	ErrCorruptEntity = errors.New("chatsync: corrupt entity")
	// ErrOrphanedMessage is returned for messages whose conversation cannot be found.
	ErrOrphanedMessage = errors.New("chatsync: orphaned message")
	// ErrStaleVersion is returned when an update carries an outdated version tag.
	ErrStaleVersion = errors.New("chatsync: stale version tag")
	// ErrNotFound is returned when the remote entity does not exist.
	ErrNotFound = errors.New("chatsync: not found")
	// ErrSyncInProgress is returned when a catch-up run is already active.
	ErrSyncInProgress = errors.New("chatsync: sync already in progress")
	// ErrNotConnected is returned when the push transport has no live connection.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrHardDeleteNotAllowed is returned for hard deletes outside a self-conversation.
	ErrHardDeleteNotAllowed = errors.New("chatsync: hard delete only allowed in self-conversation")
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is maps well-known server codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrStaleVersion:
		return e.Code == "VERSION_CONFLICT" || e.Status == http.StatusConflict
	case ErrNotFound:
		return e.Code == "NOT_FOUND" || e.Status == http.StatusNotFound
	}
	return false
}

// PartialDeliveryError reports a write the server committed but could not
// enqueue for some recipients.
type PartialDeliveryError struct {
	FailedRecipients []string
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for %d recipient(s)", len(e.FailedRecipients))
}

// ============================================================================
// Conversations
// ============================================================================

// ArchivalStatus is the tri-state conversation visibility flag.
type ArchivalStatus int

const (
	ArchivalActive      ArchivalStatus = 0
	ArchivalSoftDeleted ArchivalStatus = 2
	ArchivalArchived    ArchivalStatus = 3
)

func (s ArchivalStatus) String() string {
	switch s {
	case ArchivalActive:
		return "active"
	case ArchivalSoftDeleted:
		return "soft-deleted"
	case ArchivalArchived:
		return "archived"
	}
	return fmt.Sprintf("archival(%d)", int(s))
}

// Hidden reports whether the conversation is archived or soft-deleted.
func (s ArchivalStatus) Hidden() bool {
	return s == ArchivalSoftDeleted || s == ArchivalArchived
}

// Conversation is a locally cached conversation.
type Conversation struct {
	UniqueID       string         `json:"uniqueId"`
	FileID         string         `json:"fileId,omitempty"`
	Recipients     []string       `json:"recipients"`
	Title          string         `json:"title,omitempty"`
	ImageRef       string         `json:"imageRef,omitempty"`
	ArchivalStatus ArchivalStatus `json:"archivalStatus"`
	VersionTag     string         `json:"versionTag,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastReadAt     time.Time      `json:"lastReadAt,omitempty"`
}

// Clone returns a copy that shares no slices with c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Recipients = append([]string(nil), c.Recipients...)
	return &cp
}

// IsSelf reports whether identity is the only participant.
func (c *Conversation) IsSelf(identity string) bool {
	for _, r := range c.Recipients {
		if r != identity {
			return false
		}
	}
	return len(c.Recipients) > 0
}

// ============================================================================
// Messages
// ============================================================================

// TagStarred is the reserved tag marking a starred message.
const TagStarred = "starred"

// Phase is the optimistic lifecycle phase of a message.
type Phase int

const (
	// PhasePending messages carry only the client-generated UniqueID.
	PhasePending Phase = iota
	// PhaseConfirmed messages carry both UniqueID and the server FileID.
	PhaseConfirmed
)

// MessageBody is plain text or structured rich content.
type MessageBody struct {
	Text string          `json:"text,omitempty"`
	Rich json.RawMessage `json:"rich,omitempty"`
}

// IsEmpty reports whether the body carries no content at all.
func (b MessageBody) IsEmpty() bool {
	if b.Text != "" {
		return false
	}
	switch string(b.Rich) {
	case "", "null", "{}", `""`:
		return true
	}
	return false
}

// Attachment describes one payload of a message.
type Attachment struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// AttachmentPreview is a locally generated preview shown until the server
// echoes the uploaded attachment.
type AttachmentPreview struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// PendingPayload is a local handle to a payload still being uploaded.
type PendingPayload struct {
	Key    string `json:"key"`
	Handle string `json:"handle"`
}

// ReactionPreview is the denormalized per-reaction summary on a message.
type ReactionPreview struct {
	Content string `json:"content"`
	Count   int    `json:"count"`
}

// Reaction is one author's reaction, as held in the reaction detail cache.
type Reaction struct {
	ID       string    `json:"id,omitempty"`
	AuthorID string    `json:"authorId"`
	Body     string    `json:"body"`
	At       time.Time `json:"at,omitempty"`
}

// Message is a locally cached chat message.
type Message struct {
	UniqueID         string                     `json:"uniqueId"`
	FileID           string                     `json:"fileId,omitempty"`
	ConversationID   string                     `json:"conversationId"`
	SenderID         string                     `json:"senderId"`
	Body             MessageBody                `json:"body"`
	DeliveryStatus   DeliveryStatus             `json:"deliveryStatus"`
	DeliveryDetail   map[string]DeliveryStatus  `json:"deliveryDetail,omitempty"`
	CreatedAt        time.Time                  `json:"createdAt"`
	ServerReceivedAt time.Time                  `json:"serverReceivedAt,omitempty"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
	ReplyToID        string                     `json:"replyToId,omitempty"`
	Attachments      []Attachment               `json:"attachments,omitempty"`
	ReactionSummary  map[string]ReactionPreview `json:"reactionSummary,omitempty"`
	Tags             []string                   `json:"tags,omitempty"`
	Archived         bool                       `json:"archived,omitempty"`
	VersionTag       string                     `json:"versionTag,omitempty"`

	// Local-only; never sent by the server.
	Preview         *AttachmentPreview `json:"-"`
	PendingPayloads []PendingPayload   `json:"-"`

	// ServerUpdatedAt is UpdatedAt as last read from a server payload. A
	// local write clears it, since UpdatedAt then carries the device clock.
	ServerUpdatedAt time.Time `json:"-"`
}

// Phase reports whether the server has assigned a FileID yet.
func (m *Message) Phase() Phase {
	if m.FileID == "" {
		return PhasePending
	}
	return PhaseConfirmed
}

// Starred reports whether the message carries the reserved starred tag.
func (m *Message) Starred() bool {
	for _, t := range m.Tags {
		if t == TagStarred {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy for copy-on-write merges.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	cp.Tags = append([]string(nil), m.Tags...)
	cp.PendingPayloads = append([]PendingPayload(nil), m.PendingPayloads...)
	if m.DeliveryDetail != nil {
		cp.DeliveryDetail = make(map[string]DeliveryStatus, len(m.DeliveryDetail))
		for k, v := range m.DeliveryDetail {
			cp.DeliveryDetail[k] = v
		}
	}
	if m.ReactionSummary != nil {
		cp.ReactionSummary = make(map[string]ReactionPreview, len(m.ReactionSummary))
		for k, v := range m.ReactionSummary {
			cp.ReactionSummary[k] = v
		}
	}
	return &cp
}

// ============================================================================
// Remote entities
// ============================================================================

// EntityType distinguishes the tracked kinds of remote entity.
type EntityType int

const (
	EntityMessage      EntityType = 7878
	EntityConversation EntityType = 8888
)

func (t EntityType) String() string {
	switch t {
	case EntityMessage:
		return "message"
	case EntityConversation:
		return "conversation"
	}
	return fmt.Sprintf("entity(%d)", int(t))
}

// RawPayload is a payload descriptor on a raw entity.
type RawPayload struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
	// Inline is false when the payload body must be fetched separately.
	Inline bool `json:"inline,omitempty"`
}

// RawEntity is an unconverted entity as returned by the remote query API.
type RawEntity struct {
	FileID         string                     `json:"fileId"`
	UniqueID       string                     `json:"uniqueId,omitempty"`
	GroupID        string                     `json:"groupId,omitempty"`
	Type           EntityType                 `json:"type"`
	SenderID       string                     `json:"senderId,omitempty"`
	Content        json.RawMessage            `json:"content,omitempty"`
	ContentOutOfLn bool                       `json:"contentOutOfLine,omitempty"`
	Payloads       []RawPayload               `json:"payloads,omitempty"`
	Tags           []string                   `json:"tags,omitempty"`
	ArchivalStatus ArchivalStatus             `json:"archivalStatus,omitempty"`
	VersionTag     string                     `json:"versionTag,omitempty"`
	Deleted        bool                       `json:"deleted,omitempty"`
	Created        time.Time                  `json:"created"`
	Updated        time.Time                  `json:"updated"`
	TransitCreated time.Time                  `json:"transitCreated,omitempty"`
	ReactionCounts map[string]ReactionPreview `json:"reactionSummary,omitempty"`
}

// DeltaQuery selects remote entities changed after Since.
type DeltaQuery struct {
	Type   EntityType
	Scope  Scope
	Since  time.Time
	Cursor string
	Limit  int
}

// QueryPage is one page of a delta query.
type QueryPage struct {
	Entities []*RawEntity `json:"entities"`
	Cursor   string       `json:"cursor,omitempty"`
	HasMore  bool         `json:"hasMore"`
}

// DrainSummary is the server's acknowledgement of a pending-queue drain.
type DrainSummary struct {
	Processed int  `json:"processed"`
	Remaining int  `json:"remaining"`
	Complete  bool `json:"complete"`
}

// Scope names the drive/collection the client tracks.
type Scope struct {
	Drive      string `json:"drive"`
	Collection string `json:"collection,omitempty"`
}

// Contains reports whether other falls inside s. Empty fields match anything.
func (s Scope) Contains(other Scope) bool {
	if s.Drive != "" && s.Drive != other.Drive {
		return false
	}
	return s.Collection == "" || s.Collection == other.Collection
}

// WriteReceipt is what the server returns for an accepted write.
type WriteReceipt struct {
	FileID           string    `json:"fileId"`
	VersionTag       string    `json:"versionTag"`
	ServerReceivedAt time.Time `json:"serverReceivedAt,omitempty"`
	FailedRecipients []string  `json:"failedRecipients,omitempty"`
}

// Notification is a generic notification forwarded out of the live channel.
type Notification struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
