// Package policy consolidates the conversation capability checks into one
// value type with a single evaluation entry point, so the posting decision
// table can be tested exhaustively against one function.
package policy

import (
	"errors"

	"movemsg/internal/model"
)

// ErrDenied is the client-side gate raised before any network call when an
// action is not permitted. It is distinct from crypto and transport errors.
var ErrDenied = errors.New("action not permitted")

type ConversationPolicy struct {
	conv model.Conversation
}

func For(conv model.Conversation) ConversationPolicy {
	return ConversationPolicy{conv: conv}
}

// CanPost evaluates the posting decision table.
//
// Groups follow the post mode: all participants, admins only, owner only,
// or a selected poster list (posters union admins). 1:1 conversations are
// gated by the request workflow instead: while pending only the requester
// may post, and declined or blocked conversations accept no further posts.
func (p ConversationPolicy) CanPost(identity string) bool {
	identity = model.NormalizeIdentity(identity)
	if !p.conv.HasParticipant(identity) {
		return false
	}

	if !p.conv.IsGroup {
		switch p.conv.RequestStatus {
		case model.RequestAccepted, "":
			return true
		case model.RequestPending:
			return identity == model.NormalizeIdentity(p.conv.RequesterIdentity)
		default:
			return false
		}
	}

	g := p.conv.Group
	if g == nil {
		return true
	}

	switch g.PostMode {
	case model.PostModeAll, "":
		return true
	case model.PostModeAdmins:
		return p.IsGroupAdmin(identity)
	case model.PostModeOwnerOnly:
		owner := model.NormalizeIdentity(g.OwnerIdentity)
		if owner == "" {
			// Defensive default when no owner is recorded.
			return p.IsGroupAdmin(identity)
		}
		return identity == owner
	case model.PostModeSelected:
		for _, poster := range g.Posters {
			if model.NormalizeIdentity(poster) == identity {
				return true
			}
		}
		return p.IsGroupAdmin(identity)
	default:
		return false
	}
}

// IsGroupAdmin reports whether identity is in the admin set. The owner is
// always implicitly an admin.
func (p ConversationPolicy) IsGroupAdmin(identity string) bool {
	identity = model.NormalizeIdentity(identity)
	for _, admin := range p.GroupAdmins() {
		if admin == identity {
			return true
		}
	}
	return false
}

// GroupAdmins returns the admin set with the owner prepended, deduplicated.
func (p ConversationPolicy) GroupAdmins() []string {
	g := p.conv.Group
	if g == nil {
		return nil
	}
	combined := make([]string, 0, len(g.AdminIdentities)+1)
	if g.OwnerIdentity != "" {
		combined = append(combined, g.OwnerIdentity)
	}
	combined = append(combined, g.AdminIdentities...)
	return model.NormalizeIdentities(combined)
}

// CanManageMembers gates participant mutations. Movement-verified groups
// restrict membership changes to the owner; plain groups allow any admin.
func (p ConversationPolicy) CanManageMembers(identity string) bool {
	g := p.conv.Group
	if g == nil {
		return false
	}
	if g.Type == model.GroupMovementVerified {
		return model.NormalizeIdentity(identity) == model.NormalizeIdentity(g.OwnerIdentity)
	}
	return p.IsGroupAdmin(identity)
}

// ValidateGroup checks group metadata invariants before a mutation is sent.
func ValidateGroup(g *model.GroupMetadata, participantCount int) error {
	if g == nil {
		return nil
	}
	if participantCount < 2 || participantCount > model.MaxGroupParticipants {
		return ErrDenied
	}
	if g.PostMode == model.PostModeSelected && len(g.Posters) == 0 {
		return ErrDenied
	}
	return nil
}

// EligibleMembers computes the hard allow-list for movement-verified group
// membership: identities with approved evidence on the movement, minus
// anyone who opted out.
func EligibleMembers(approved, optedOut []string) []string {
	out := make(map[string]struct{}, len(optedOut))
	for _, id := range optedOut {
		out[model.NormalizeIdentity(id)] = struct{}{}
	}
	eligible := make([]string, 0, len(approved))
	for _, id := range model.NormalizeIdentities(approved) {
		if _, excluded := out[id]; excluded {
			continue
		}
		eligible = append(eligible, id)
	}
	return eligible
}
