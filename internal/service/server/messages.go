package server

import (
	"encoding/json"
	"net/http"
	"time"

	"movemsg/internal/model"
	"movemsg/internal/policy"
	"movemsg/internal/protocol/envelope"
	"movemsg/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (s *HttpServer) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		conv := s.loadAuthorized(r.Context(), w, mux.Vars(r)["id"], identity)
		if conv == nil {
			return
		}

		if !policy.For(*conv).CanPost(identity) {
			http.Error(w, "posting not permitted", http.StatusForbidden)
			return
		}

		verdict := s.gate.Check(r.Context(), identity, "message:send")
		if !verdict.OK {
			writeJSON(w, http.StatusTooManyRequests, verdict)
			return
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		// The server stores whatever envelope the client packed; it has no
		// keys and never sees plaintext. The shape check only catches
		// clients that forgot to encrypt for an encrypted thread.
		if !envelope.IsEncryptedBody(req.Body) {
			log.Debug("storing non-envelope body", zap.String("conversation", conv.ID))
		}

		msg := &model.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderIdentity: identity,
			Body:           req.Body,
			CreatedAt:      time.Now().UTC(),
			DeliveredTo:    []string{identity},
			ReadBy:         []string{identity},
		}

		if err := s.messages.Create(r.Context(), msg); err != nil {
			log.Error("store message failed", zap.Error(err))
			http.Error(w, "store failed", http.StatusInternalServerError)
			return
		}
		if err := s.conversations.TouchLastMessage(r.Context(), conv.ID, "[encrypted]", msg.CreatedAt); err != nil {
			log.Error("touch conversation failed", zap.Error(err))
		}

		s.fanOutMessage(r.Context(), conv, msg)
		writeJSON(w, http.StatusCreated, msg)
	}
}

func (s *HttpServer) handleFetchMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		conv := s.loadAuthorized(r.Context(), w, mux.Vars(r)["id"], identity)
		if conv == nil {
			return
		}
		limit, offset := pageParams(r)

		page, err := s.messages.Page(r.Context(), conv.ID, limit, offset)
		if err != nil {
			log.Error("fetch messages failed", zap.Error(err))
			http.Error(w, "fetch failed", http.StatusInternalServerError)
			return
		}
		if page == nil {
			page = []model.Message{}
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *HttpServer) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		conv := s.loadAuthorized(r.Context(), w, mux.Vars(r)["id"], identity)
		if conv == nil {
			return
		}

		if err := s.messages.MarkConversationRead(r.Context(), conv.ID, identity); err != nil {
			log.Error("mark read failed", zap.Error(err))
			http.Error(w, "mark read failed", http.StatusInternalServerError)
			return
		}

		s.fanOutEvent(r.Context(), conv, &model.Event{
			Type:           model.EventConversationRead,
			ConversationID: conv.ID,
			Identity:       identity,
		}, identity)
		writeJSON(w, http.StatusOK, nil)
	}
}
