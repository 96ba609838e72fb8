package messenger

import (
	"context"
	"fmt"

	"movemsg/internal/cache"
	"movemsg/internal/model"
	"movemsg/internal/policy"
)

// Accept transitions a pending 1:1 conversation to accepted. Only the
// recipient of the request may act on it, and only out of pending.
func (m *Messenger) Accept(ctx context.Context, conversationID string) error {
	return m.requestAction(ctx, conversationID, "accept")
}

func (m *Messenger) Decline(ctx context.Context, conversationID string) error {
	return m.requestAction(ctx, conversationID, "decline")
}

func (m *Messenger) Block(ctx context.Context, conversationID string) error {
	return m.requestAction(ctx, conversationID, "block")
}

func (m *Messenger) requestAction(ctx context.Context, conversationID, action string) error {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.IsGroup {
		return fmt.Errorf("%w: group conversations have no request workflow", policy.ErrDenied)
	}
	if conv.RequestStatus != model.RequestPending {
		return fmt.Errorf("%w: conversation is not pending", policy.ErrDenied)
	}
	if model.NormalizeIdentity(conv.RequesterIdentity) == m.self {
		return fmt.Errorf("%w: the requester cannot act on their own request", policy.ErrDenied)
	}

	updated, err := m.api.RequestAction(ctx, conversationID, action)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.UpsertConversation(*updated))
	return nil
}

// UpdateGroupSettings pushes group metadata changes after local policy
// validation, so a denied mutation never reaches the network.
func (m *Messenger) UpdateGroupSettings(ctx context.Context, conversationID string, group model.GroupMetadata) error {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return fmt.Errorf("%w: not a group conversation", policy.ErrDenied)
	}
	if !policy.For(*conv).IsGroupAdmin(m.self) {
		return fmt.Errorf("%w: only admins may change group settings", policy.ErrDenied)
	}
	if err := policy.ValidateGroup(&group, len(conv.Participants)); err != nil {
		return err
	}

	updated, err := m.api.UpdateGroup(ctx, conversationID, group)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.UpsertConversation(*updated))
	return nil
}

// AddMembers adds participants to a group. For movement-verified groups the
// addable set is a hard allow-list: approved evidence on the linked
// movement and not opted out.
func (m *Messenger) AddMembers(ctx context.Context, conversationID string, identities []string) error {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup || conv.Group == nil {
		return fmt.Errorf("%w: not a group conversation", policy.ErrDenied)
	}
	pol := policy.For(*conv)
	if !pol.CanManageMembers(m.self) {
		return fmt.Errorf("%w: not allowed to manage members", policy.ErrDenied)
	}

	identities = model.NormalizeIdentities(identities)
	if len(conv.Participants)+len(identities) > model.MaxGroupParticipants {
		return fmt.Errorf("%w: group size limit is %d", policy.ErrDenied, model.MaxGroupParticipants)
	}

	if conv.Group.Type == model.GroupMovementVerified {
		approved, err := m.api.EligibleMembers(ctx, conv.Group.MovementID)
		if err != nil {
			return err
		}
		eligible := make(map[string]struct{}, len(approved))
		for _, id := range model.NormalizeIdentities(approved) {
			eligible[id] = struct{}{}
		}
		for _, id := range identities {
			if _, ok := eligible[id]; !ok {
				return fmt.Errorf("%w: %s is not eligible for this movement group", policy.ErrDenied, id)
			}
		}
	}

	updated, err := m.api.UpdateParticipants(ctx, conversationID, identities, nil)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.UpsertConversation(*updated))
	return nil
}

// RemoveMembers removes participants. Messages sent before removal stay
// decryptable by the removed member if they cached the ciphertext; there is
// no rekey on membership change.
func (m *Messenger) RemoveMembers(ctx context.Context, conversationID string, identities []string) error {
	conv, err := m.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return fmt.Errorf("%w: not a group conversation", policy.ErrDenied)
	}
	if !policy.For(*conv).CanManageMembers(m.self) {
		return fmt.Errorf("%w: not allowed to manage members", policy.ErrDenied)
	}

	updated, err := m.api.UpdateParticipants(ctx, conversationID, nil, identities)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.UpsertConversation(*updated))
	return nil
}
