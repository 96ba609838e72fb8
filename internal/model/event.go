package model

type EventType string

const (
	EventMessageNew          EventType = "message:new"
	EventMessageDelivered    EventType = "message:delivered"
	EventConversationUpdated EventType = "conversation:updated"
	EventConversationRead    EventType = "conversation:read"
)

type (
	// Event is one frame on the realtime channel. Delivery is at-least-once
	// and unordered, so every consumer must be idempotent.
	Event struct {
		Type           EventType     `json:"type"`
		ConversationID string        `json:"conversation_id,omitempty"`
		MessageID      string        `json:"message_id,omitempty"`
		Identity       string        `json:"identity,omitempty"`
		Message        *Message      `json:"message,omitempty"`
		Conversation   *Conversation `json:"conversation,omitempty"`
	}

	// PublicKeyRecord is a key directory entry: the published public half of
	// a user's identity keypair.
	PublicKeyRecord struct {
		Identity  string `json:"identity" bson:"_id"`
		PublicKey []byte `json:"public_key" bson:"public_key"`
	}

	// GateResult is the advisory rate/abuse gate verdict consulted before
	// send/create actions. Server-side enforcement remains authoritative.
	GateResult struct {
		OK           bool   `json:"ok"`
		Reason       string `json:"reason,omitempty"`
		RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	}
)
