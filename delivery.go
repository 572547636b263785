package chatsync

import (
	"fmt"
	"strings"
)

// DeliveryStatus tracks a message from local composition to remote read.
type DeliveryStatus int

const (
	DeliveryUnknown DeliveryStatus = iota
	DeliverySending
	DeliverySent
	DeliveryDelivered
	DeliveryRead
	DeliveryFailed
)

var deliveryNames = map[DeliveryStatus]string{
	DeliveryUnknown:   "unknown",
	DeliverySending:   "sending",
	DeliverySent:      "sent",
	DeliveryDelivered: "delivered",
	DeliveryRead:      "read",
	DeliveryFailed:    "failed",
}

func (s DeliveryStatus) String() string {
	if n, ok := deliveryNames[s]; ok {
		return n
	}
	return fmt.Sprintf("delivery(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the status name, case-insensitively.
func (s *DeliveryStatus) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for k, v := range deliveryNames {
		if v == name {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown delivery status %q", string(b))
}

// rank orders the success path. Failed has no rank.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySending:
		return 1
	case DeliverySent:
		return 2
	case DeliveryDelivered:
		return 3
	case DeliveryRead:
		return 4
	}
	return 0
}

// CanTransition reports whether a message may move from one status to another.
//
// The success path Sending -> Sent -> Delivered -> Read never goes backwards.
// Failed is reachable from Sending or Sent only. Leaving Failed is allowed:
// a retry puts the message back to Sending and a late server confirmation
// moves it onto the success path directly.
func CanTransition(from, to DeliveryStatus) bool {
	if from == to {
		return true
	}
	switch {
	case from == DeliveryUnknown:
		return true
	case to == DeliveryUnknown:
		return false
	case to == DeliveryFailed:
		return from == DeliverySending || from == DeliverySent
	case from == DeliveryFailed:
		return true
	}
	return to.rank() > from.rank()
}

// ResolveDelivery picks the status to keep when incoming meets cached.
// Illegal transitions keep the cached status, so a stale echo or a
// reordered event never regresses what the user has already seen.
func ResolveDelivery(cached, incoming DeliveryStatus) DeliveryStatus {
	if CanTransition(cached, incoming) {
		return incoming
	}
	return cached
}
