package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Converter turns raw remote entities into typed ones. Implementations may
// fetch out-of-line content; they return ErrCorruptEntity when the entity
// cannot be trusted and ErrOrphanedMessage when a message names no
// conversation.
type Converter interface {
	ToMessage(ctx context.Context, raw *RawEntity) (*Message, error)
	ToConversation(ctx context.Context, raw *RawEntity) (*Conversation, error)
}

// PayloadFetcher fetches a payload body stored out-of-line.
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, fileID, key string) ([]byte, error)
}

// ContentPayloadKey is the payload key holding an oversized message body.
const ContentPayloadKey = "content"

// messageContent is the JSON content of a message entity.
type messageContent struct {
	Text           string                    `json:"text,omitempty"`
	Rich           json.RawMessage           `json:"rich,omitempty"`
	ReplyToID      string                    `json:"replyToId,omitempty"`
	DeliveryStatus *DeliveryStatus           `json:"deliveryStatus,omitempty"`
	DeliveryDetail map[string]DeliveryStatus `json:"deliveryDetail,omitempty"`
}

// conversationContent is the JSON content of a conversation entity.
type conversationContent struct {
	Title      string     `json:"title,omitempty"`
	ImageRef   string     `json:"imageRef,omitempty"`
	Recipients []string   `json:"recipients"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// DefaultConverter decodes the JSON content layout used by Client.
type DefaultConverter struct {
	// Payloads fetches out-of-line bodies. Nil makes such entities corrupt.
	Payloads PayloadFetcher
}

// NewDefaultConverter returns a converter fetching out-of-line bodies via p.
func NewDefaultConverter(p PayloadFetcher) *DefaultConverter {
	return &DefaultConverter{Payloads: p}
}

func (c *DefaultConverter) ToMessage(ctx context.Context, raw *RawEntity) (*Message, error) {
	if raw == nil || raw.Type != EntityMessage {
		return nil, fmt.Errorf("%w: not a message entity", ErrCorruptEntity)
	}
	if raw.GroupID == "" {
		return nil, fmt.Errorf("%w: message %s has no conversation", ErrOrphanedMessage, raw.FileID)
	}

	content := raw.Content
	if raw.ContentOutOfLn {
		if c.Payloads == nil {
			return nil, fmt.Errorf("%w: message %s body is out of line", ErrCorruptEntity, raw.FileID)
		}
		b, err := c.Payloads.FetchPayload(ctx, raw.FileID, ContentPayloadKey)
		if err != nil {
			return nil, fmt.Errorf("fetch body of %s: %w", raw.FileID, err)
		}
		content = b
	}

	archived := raw.ArchivalStatus != ArchivalActive
	var mc messageContent
	if !emptyJSON(content) {
		if err := json.Unmarshal(content, &mc); err != nil {
			return nil, fmt.Errorf("%w: message %s: %v", ErrCorruptEntity, raw.FileID, err)
		}
	}

	m := &Message{
		UniqueID:         raw.UniqueID,
		FileID:           raw.FileID,
		ConversationID:   raw.GroupID,
		SenderID:         raw.SenderID,
		Body:             MessageBody{Text: mc.Text, Rich: mc.Rich},
		DeliveryStatus:   DeliverySent,
		DeliveryDetail:   mc.DeliveryDetail,
		CreatedAt:        raw.Created,
		ServerReceivedAt: raw.TransitCreated,
		UpdatedAt:        raw.Updated,
		ReplyToID:        mc.ReplyToID,
		ReactionSummary:  raw.ReactionCounts,
		Tags:             append([]string(nil), raw.Tags...),
		Archived:         archived,
		VersionTag:       raw.VersionTag,
		ServerUpdatedAt:  raw.Updated,
	}
	if mc.DeliveryStatus != nil {
		m.DeliveryStatus = *mc.DeliveryStatus
	}
	for _, p := range raw.Payloads {
		if p.Key == ContentPayloadKey {
			continue
		}
		m.Attachments = append(m.Attachments, Attachment{
			Key:         p.Key,
			ContentType: p.ContentType,
			Size:        p.Size,
			URL:         p.URL,
		})
	}

	// A header whose payload has not landed yet. Soft-deleted messages are
	// legitimately empty.
	if !archived && m.Body.IsEmpty() && len(m.Attachments) == 0 {
		return nil, fmt.Errorf("%w: message %s has empty content", ErrCorruptEntity, raw.FileID)
	}
	return m, nil
}

func (c *DefaultConverter) ToConversation(ctx context.Context, raw *RawEntity) (*Conversation, error) {
	if raw == nil || raw.Type != EntityConversation {
		return nil, fmt.Errorf("%w: not a conversation entity", ErrCorruptEntity)
	}
	if raw.UniqueID == "" {
		return nil, fmt.Errorf("%w: conversation %s has no unique id", ErrCorruptEntity, raw.FileID)
	}
	if emptyJSON(raw.Content) {
		return nil, fmt.Errorf("%w: conversation %s has empty content", ErrCorruptEntity, raw.FileID)
	}
	var cc conversationContent
	if err := json.Unmarshal(raw.Content, &cc); err != nil {
		return nil, fmt.Errorf("%w: conversation %s: %v", ErrCorruptEntity, raw.FileID, err)
	}
	if len(cc.Recipients) == 0 {
		return nil, fmt.Errorf("%w: conversation %s has no recipients", ErrCorruptEntity, raw.FileID)
	}
	conv := &Conversation{
		UniqueID:       raw.UniqueID,
		FileID:         raw.FileID,
		Recipients:     cc.Recipients,
		Title:          cc.Title,
		ImageRef:       cc.ImageRef,
		ArchivalStatus: raw.ArchivalStatus,
		VersionTag:     raw.VersionTag,
		CreatedAt:      raw.Created,
		UpdatedAt:      raw.Updated,
	}
	if cc.LastReadAt != nil {
		conv.LastReadAt = *cc.LastReadAt
	}
	return conv, nil
}

// MessageContent encodes the content JSON of m, the inverse of ToMessage.
func MessageContent(m *Message) (json.RawMessage, error) {
	mc := messageContent{
		Text:           m.Body.Text,
		Rich:           m.Body.Rich,
		ReplyToID:      m.ReplyToID,
		DeliveryDetail: m.DeliveryDetail,
	}
	if m.DeliveryStatus != DeliveryUnknown {
		ds := m.DeliveryStatus
		mc.DeliveryStatus = &ds
	}
	return json.Marshal(mc)
}

// ConversationContent encodes the content JSON of c, the inverse of
// ToConversation.
func ConversationContent(c *Conversation) (json.RawMessage, error) {
	cc := conversationContent{
		Title:      c.Title,
		ImageRef:   c.ImageRef,
		Recipients: c.Recipients,
	}
	if !c.LastReadAt.IsZero() {
		t := c.LastReadAt
		cc.LastReadAt = &t
	}
	return json.Marshal(cc)
}

func emptyJSON(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte("{}"))
}
