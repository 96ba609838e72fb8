package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Message is one entry in a conversation. Body is an opaque packed
	// envelope for encrypted conversations; legacy plaintext bodies are
	// tolerated on read. A pending message is a client-only variant that
	// exists until the authoritative send completes or fails; it is never
	// persisted and is removable by its local id without touching the
	// authoritative list.
	Message struct {
		ID             string              `json:"id" bson:"_id"`
		ConversationID string              `json:"conversation_id" bson:"conversation_id"`
		SenderIdentity string              `json:"sender" bson:"sender"`
		Body           string              `json:"body" bson:"body"`
		CreatedAt      time.Time           `json:"created_at" bson:"created_at"`
		ReadBy         []string            `json:"read_by,omitempty" bson:"read_by,omitempty"`
		DeliveredTo    []string            `json:"delivered_to,omitempty" bson:"delivered_to,omitempty"`
		Reactions      map[string][]string `json:"reactions,omitempty" bson:"reactions,omitempty"`
		Pending        bool                `json:"pending,omitempty" bson:"-"`
	}
)

// NewPendingMessage synthesizes the optimistic local message inserted ahead
// of the authoritative send.
func NewPendingMessage(conversationID, sender, body string) Message {
	return Message{
		ID:             fmt.Sprintf("local-%s", uuid.NewString()),
		ConversationID: conversationID,
		SenderIdentity: NormalizeIdentity(sender),
		Body:           body,
		CreatedAt:      time.Now().UTC(),
		Pending:        true,
	}
}

// ReadByIdentity reports whether identity is in the read set.
func (m *Message) ReadByIdentity(identity string) bool {
	identity = NormalizeIdentity(identity)
	for _, r := range m.ReadBy {
		if NormalizeIdentity(r) == identity {
			return true
		}
	}
	return false
}
