package model

import "time"

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
	RequestBlocked  RequestStatus = "blocked"
)

type PostMode string

const (
	PostModeOwnerOnly PostMode = "owner_only"
	PostModeAdmins    PostMode = "admins"
	PostModeSelected  PostMode = "selected"
	PostModeAll       PostMode = "all"
)

type GroupType string

const (
	GroupPlain            GroupType = "plain"
	GroupMovementVerified GroupType = "movement_verified"
)

// MaxGroupParticipants caps group size. The per-recipient fan-out encryption
// is O(participants) per message and does not scale past a small cap.
const MaxGroupParticipants = 10

type (
	// GroupMetadata holds settings for a group conversation. The owner is
	// always implicitly an admin even when absent from AdminIdentities.
	GroupMetadata struct {
		Name            string    `json:"name" bson:"name"`
		AvatarURL       string    `json:"avatar_url,omitempty" bson:"avatar_url,omitempty"`
		PostMode        PostMode  `json:"post_mode" bson:"post_mode"`
		Posters         []string  `json:"posters,omitempty" bson:"posters,omitempty"`
		AdminIdentities []string  `json:"admin_identities,omitempty" bson:"admin_identities,omitempty"`
		OwnerIdentity   string    `json:"owner_identity" bson:"owner_identity"`
		Type            GroupType `json:"type" bson:"type"`
		MovementID      string    `json:"movement_id,omitempty" bson:"movement_id,omitempty"`
	}

	// Conversation is a 1:1 or group thread. 1:1 conversations carry the
	// request workflow: the first message from a non-mutual contact creates
	// the conversation in pending state, and only the recipient's
	// accept/decline/block action transitions it. Groups skip the workflow.
	Conversation struct {
		ID                 string         `json:"id" bson:"_id"`
		Participants       []string       `json:"participants" bson:"participants"`
		IsGroup            bool           `json:"is_group" bson:"is_group"`
		Group              *GroupMetadata `json:"group,omitempty" bson:"group,omitempty"`
		RequestStatus      RequestStatus  `json:"request_status,omitempty" bson:"request_status,omitempty"`
		RequesterIdentity  string         `json:"requester_identity,omitempty" bson:"requester_identity,omitempty"`
		CreatedByIdentity  string         `json:"created_by" bson:"created_by"`
		CreatedAt          time.Time      `json:"created_at" bson:"created_at"`
		LastMessagePreview string         `json:"last_message_preview,omitempty" bson:"last_message_preview,omitempty"`
		LastMessageAt      time.Time      `json:"last_message_at,omitempty" bson:"last_message_at,omitempty"`
		UnreadCount        int            `json:"unread_count,omitempty" bson:"unread_count,omitempty"`
	}
)

// HasParticipant reports whether identity is a member of the conversation.
func (c *Conversation) HasParticipant(identity string) bool {
	identity = NormalizeIdentity(identity)
	for _, p := range c.Participants {
		if NormalizeIdentity(p) == identity {
			return true
		}
	}
	return false
}

// PeerOf returns the other participant of a 1:1 conversation.
func (c *Conversation) PeerOf(identity string) string {
	identity = NormalizeIdentity(identity)
	for _, p := range c.Participants {
		if NormalizeIdentity(p) != identity {
			return NormalizeIdentity(p)
		}
	}
	return ""
}
