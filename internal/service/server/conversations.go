package server

import (
	"encoding/json"
	"net/http"
	"time"

	"movemsg/internal/model"
	"movemsg/internal/policy"
	"movemsg/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	createConversationRequest struct {
		Participants []string             `json:"participants"`
		IsGroup      bool                 `json:"is_group"`
		Group        *model.GroupMetadata `json:"group,omitempty"`
	}

	requestActionRequest struct {
		Action string `json:"action"`
	}

	participantsRequest struct {
		Add    []string `json:"add,omitempty"`
		Remove []string `json:"remove,omitempty"`
	}
)

func (s *HttpServer) handleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		if identity == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}
		limit, offset := pageParams(r)

		list, err := s.conversations.ListForParticipant(r.Context(), identity, limit, offset)
		if err != nil {
			log.Error("list conversations failed", zap.Error(err))
			http.Error(w, "list failed", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []model.Conversation{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *HttpServer) handleGetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv := s.loadAuthorized(r.Context(), w, mux.Vars(r)["id"], identityOf(r))
		if conv == nil {
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func (s *HttpServer) handleCreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		if identity == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		var req createConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		participants := model.NormalizeIdentities(append(req.Participants, identity))
		conv := &model.Conversation{
			ID:                uuid.NewString(),
			Participants:      participants,
			IsGroup:           req.IsGroup,
			Group:             req.Group,
			CreatedByIdentity: identity,
			CreatedAt:         time.Now().UTC(),
		}

		if req.IsGroup {
			if len(participants) < 2 || len(participants) > model.MaxGroupParticipants {
				http.Error(w, "group size out of range", http.StatusBadRequest)
				return
			}
			if err := policy.ValidateGroup(req.Group, len(participants)); err != nil {
				http.Error(w, "invalid group settings", http.StatusBadRequest)
				return
			}
		} else {
			if len(participants) != 2 {
				http.Error(w, "direct conversations have exactly two participants", http.StatusBadRequest)
				return
			}

			peer := conv.PeerOf(identity)
			if existing, err := s.conversations.FindDirect(r.Context(), identity, peer); err != nil {
				log.Error("direct lookup failed", zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			} else if existing != nil {
				writeJSON(w, http.StatusOK, existing)
				return
			}

			// First contact between non-mutual identities opens a request;
			// mutual contacts (an accepted thread already existed) go
			// straight to accepted.
			mutual, err := s.conversations.HasAcceptedBetween(r.Context(), identity, peer)
			if err != nil {
				log.Error("mutual check failed", zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if mutual {
				conv.RequestStatus = model.RequestAccepted
			} else {
				conv.RequestStatus = model.RequestPending
				conv.RequesterIdentity = identity
			}
		}

		if err := s.conversations.Create(r.Context(), conv); err != nil {
			log.Error("create conversation failed", zap.Error(err))
			http.Error(w, "create failed", http.StatusInternalServerError)
			return
		}

		s.fanOutConversation(r.Context(), conv, identity)
		writeJSON(w, http.StatusCreated, conv)
	}
}

func (s *HttpServer) handleRequestAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		conv := s.loadAuthorized(r.Context(), w, mux.Vars(r)["id"], identity)
		if conv == nil {
			return
		}

		var req requestActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		if conv.IsGroup {
			http.Error(w, "groups have no request workflow", http.StatusBadRequest)
			return
		}
		if conv.RequestStatus != model.RequestPending {
			http.Error(w, "conversation is not pending", http.StatusConflict)
			return
		}
		if model.NormalizeIdentity(conv.RequesterIdentity) == identity {
			http.Error(w, "requester cannot act on their own request", http.StatusForbidden)
			return
		}

		switch req.Action {
		case "accept":
			conv.RequestStatus = model.RequestAccepted
		case "decline":
			conv.RequestStatus = model.RequestDeclined
		case "block":
			conv.RequestStatus = model.RequestBlocked
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}

		if err := s.conversations.Update(r.Context(), conv); err != nil {
			log.Error("request action failed", zap.Error(err))
			http.Error(w, "update failed", http.StatusInternalServerError)
			return
		}

		s.fanOutConversation(r.Context(), conv, identity)
		writeJSON(w, http.StatusOK, conv)
	}
}

func (s *HttpServer) handleUpdateGroup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		conv := s.loadAuthorized(r.Context(), w, mux.Vars(r)["id"], identity)
		if conv == nil {
			return
		}
		if !conv.IsGroup {
			http.Error(w, "not a group conversation", http.StatusBadRequest)
			return
		}
		if !policy.For(*conv).IsGroupAdmin(identity) {
			http.Error(w, "admins only", http.StatusForbidden)
			return
		}

		var group model.GroupMetadata
		if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		if err := policy.ValidateGroup(&group, len(conv.Participants)); err != nil {
			http.Error(w, "invalid group settings", http.StatusBadRequest)
			return
		}

		// The owner never changes through this endpoint.
		group.OwnerIdentity = conv.Group.OwnerIdentity
		group.Type = conv.Group.Type
		group.MovementID = conv.Group.MovementID
		conv.Group = &group

		if err := s.conversations.Update(r.Context(), conv); err != nil {
			log.Error("group update failed", zap.Error(err))
			http.Error(w, "update failed", http.StatusInternalServerError)
			return
		}

		s.fanOutConversation(r.Context(), conv, identity)
		writeJSON(w, http.StatusOK, conv)
	}
}

func (s *HttpServer) handleUpdateParticipants() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		conv := s.loadAuthorized(r.Context(), w, mux.Vars(r)["id"], identity)
		if conv == nil {
			return
		}
		if !conv.IsGroup {
			http.Error(w, "not a group conversation", http.StatusBadRequest)
			return
		}
		if !policy.For(*conv).CanManageMembers(identity) {
			http.Error(w, "not allowed to manage members", http.StatusForbidden)
			return
		}

		var req participantsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		removed := make(map[string]struct{}, len(req.Remove))
		for _, id := range model.NormalizeIdentities(req.Remove) {
			removed[id] = struct{}{}
		}

		next := make([]string, 0, len(conv.Participants)+len(req.Add))
		for _, p := range conv.Participants {
			if _, gone := removed[model.NormalizeIdentity(p)]; gone {
				continue
			}
			next = append(next, p)
		}
		next = model.NormalizeIdentities(append(next, req.Add...))

		if len(next) < 2 || len(next) > model.MaxGroupParticipants {
			http.Error(w, "group size out of range", http.StatusBadRequest)
			return
		}
		conv.Participants = next

		if err := s.conversations.Update(r.Context(), conv); err != nil {
			log.Error("participants update failed", zap.Error(err))
			http.Error(w, "update failed", http.StatusInternalServerError)
			return
		}

		s.fanOutConversation(r.Context(), conv, identity)
		writeJSON(w, http.StatusOK, conv)
	}
}

// handleEligibleMembers serves the movement-verified allow-list. The dev
// backend reads it from a redis set maintained by the evidence pipeline;
// an absent set means nobody is eligible.
func (s *HttpServer) handleEligibleMembers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		movementID := mux.Vars(r)["id"]

		approved, err := s.redisService.LRange(r.Context(), "movement:approved:"+movementID)
		if err != nil {
			log.Error("eligible lookup failed", zap.Error(err))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		optedOut, err := s.redisService.LRange(r.Context(), "movement:optout:"+movementID)
		if err != nil {
			log.Error("optout lookup failed", zap.Error(err))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, policy.EligibleMembers(approved, optedOut))
	}
}
