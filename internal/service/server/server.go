// Package server is the reference backend for the messaging core: key
// directory, conversation service, message transport, realtime channel,
// upload stub and rate gate. It exists so the client is exercisable
// end-to-end in development; it is not a hardened production service. The
// bearer credential is the caller's identity string — real deployments
// front this with an auth provider.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	convRepo "movemsg/internal/repository/conversation"
	keysRepo "movemsg/internal/repository/keys"
	msgRepo "movemsg/internal/repository/message"
	redisSvc "movemsg/internal/service/redis"

	"movemsg/internal/config"
	"movemsg/internal/model"
	"movemsg/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	HttpServer struct {
		cfg           *config.Server
		hub           *Hub
		gate          *Gate
		keys          *keysRepo.Repo
		conversations *convRepo.Repo
		messages      *msgRepo.Repo
		redisService  *redisSvc.RedisService
	}
)

func NewHttpServer(cfg *config.Server, keys *keysRepo.Repo, conversations *convRepo.Repo, messages *msgRepo.Repo, redisService *redisSvc.RedisService) *HttpServer {
	return &HttpServer{
		cfg:           cfg,
		hub:           NewHub(),
		gate:          NewGate(cfg.SendPerMinute, redisService),
		keys:          keys,
		conversations: conversations,
		messages:      messages,
		redisService:  redisService,
	}
}

func (s *HttpServer) Run() error {
	r := mux.NewRouter()

	r.HandleFunc("/keys/{identity}", s.handleGetKey()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{identity}", s.handlePutKey()).Methods(http.MethodPut)

	r.HandleFunc("/conversations", s.handleListConversations()).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.handleCreateConversation()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}", s.handleGetConversation()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/request", s.handleRequestAction()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/group", s.handleUpdateGroup()).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{id}/participants", s.handleUpdateParticipants()).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{id}/messages", s.handleSendMessage()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.handleFetchMessages()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/read", s.handleMarkRead()).Methods(http.MethodPost)

	r.HandleFunc("/movements/{id}/eligible", s.handleEligibleMembers()).Methods(http.MethodGet)
	r.HandleFunc("/gate", s.handleGate()).Methods(http.MethodPost)
	r.HandleFunc("/upload", s.handleUpload()).Methods(http.MethodPost)
	r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.cfg.UploadDir))))
	r.HandleFunc("/realtime", s.handleRealtime()).Methods(http.MethodGet)

	log.Info("reference backend listening", zap.String("addr", s.cfg.Addr))
	return http.ListenAndServe(s.cfg.Addr, r)
}

// identityOf extracts the caller identity from the bearer credential (or
// the token query parameter for websocket dials).
func identityOf(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return model.NormalizeIdentity(strings.TrimPrefix(auth, "Bearer "))
	}
	return model.NormalizeIdentity(r.URL.Query().Get("token"))
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 30
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error("encode response failed", zap.Error(err))
		}
	}
}

// loadAuthorized fetches a conversation and verifies the caller is a
// participant.
func (s *HttpServer) loadAuthorized(ctx context.Context, w http.ResponseWriter, id, identity string) *model.Conversation {
	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		log.Error("load conversation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return nil
	}
	if !conv.HasParticipant(identity) {
		http.Error(w, "not a participant", http.StatusForbidden)
		return nil
	}
	return conv
}
