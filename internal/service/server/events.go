package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"movemsg/internal/model"
	"movemsg/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func offlineKey(identity string) string {
	return fmt.Sprintf("events:%s", identity)
}

// fanOutEvent delivers an event to every participant except skipIdentity.
// Offline participants get the event queued in redis and flushed when they
// reconnect.
func (s *HttpServer) fanOutEvent(ctx context.Context, conv *model.Conversation, ev *model.Event, skipIdentity string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error("marshal event failed", zap.Error(err))
		return
	}

	for _, p := range conv.Participants {
		identity := model.NormalizeIdentity(p)
		if identity == skipIdentity {
			continue
		}
		if s.hub.Notify(identity, payload) {
			continue
		}
		if err := s.redisService.RPush(ctx, offlineKey(identity), payload); err != nil {
			log.Error("queue offline event failed", zap.Error(err))
			continue
		}
		if err := s.redisService.Expire(ctx, offlineKey(identity), s.cfg.OfflineTTL); err != nil {
			log.Error("set offline queue ttl failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) fanOutMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	s.fanOutEvent(ctx, conv, &model.Event{
		Type:           model.EventMessageNew,
		ConversationID: conv.ID,
		Message:        msg,
	}, model.NormalizeIdentity(msg.SenderIdentity))
}

func (s *HttpServer) fanOutConversation(ctx context.Context, conv *model.Conversation, actor string) {
	s.fanOutEvent(ctx, conv, &model.Event{
		Type:           model.EventConversationUpdated,
		ConversationID: conv.ID,
		Conversation:   conv,
	}, "")
	_ = actor
}

// flushOffline replays queued events to a freshly connected identity.
func (s *HttpServer) flushOffline(ctx context.Context, conn *Connection) {
	key := offlineKey(conn.Identity)
	queued, err := s.redisService.LRange(ctx, key)
	if err != nil {
		log.Error("read offline queue failed", zap.Error(err))
		return
	}
	if len(queued) == 0 {
		return
	}
	if err := s.redisService.Del(ctx, key); err != nil {
		log.Error("clear offline queue failed", zap.Error(err))
	}
	for _, payload := range queued {
		if err := conn.Send([]byte(payload)); err != nil {
			return
		}
	}
}

func (s *HttpServer) handleRealtime() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		if identity == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "failed to upgrade", http.StatusInternalServerError)
			return
		}

		conn := NewConnection(identity, ws)
		s.hub.Attach(conn)
		go s.readLoop(conn, ws)
		s.flushOffline(r.Context(), conn)
	}
}

// readLoop consumes client acknowledgements (delivery and read receipts),
// the only inbound events the channel carries.
func (s *HttpServer) readLoop(conn *Connection, ws *websocket.Conn) {
	defer func() {
		s.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Debug("realtime connection closed", zap.Error(err))
			return
		}

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Error("unmarshal inbound event failed", zap.Error(err))
			continue
		}
		ev.Identity = conn.Identity

		ctx := context.Background()
		switch ev.Type {
		case model.EventMessageDelivered:
			if err := s.messages.AddDelivered(ctx, ev.MessageID, conn.Identity); err != nil {
				log.Error("record delivery failed", zap.Error(err))
				continue
			}
			s.relayReceipt(ctx, &ev)
		case model.EventConversationRead:
			if err := s.messages.MarkConversationRead(ctx, ev.ConversationID, conn.Identity); err != nil {
				log.Error("record read failed", zap.Error(err))
				continue
			}
			s.relayReceipt(ctx, &ev)
		default:
			log.Debug("ignoring inbound event", zap.String("type", string(ev.Type)))
		}
	}
}

func (s *HttpServer) relayReceipt(ctx context.Context, ev *model.Event) {
	conv, err := s.conversations.Get(ctx, ev.ConversationID)
	if err != nil || conv == nil {
		return
	}
	s.fanOutEvent(ctx, conv, ev, model.NormalizeIdentity(ev.Identity))
}
