// Package messenger orchestrates the encrypted messaging core: key
// resolution, payload encryption, optimistic cache reconciliation and the
// realtime event handlers.
package messenger

import (
	"context"
	"sync"
	"time"

	"movemsg/internal/cache"
	"movemsg/internal/identity"
	"movemsg/internal/keydir"
	"movemsg/internal/model"
	"movemsg/internal/realtime"
	"movemsg/internal/status"
	"movemsg/internal/transport"
	"movemsg/internal/utils/log"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 30
	pollInterval    = 5 * time.Second
)

type (
	Messenger struct {
		self    string
		keys    *identity.Store
		dir     *keydir.Client
		api     *transport.Client
		cache   *cache.Store
		rt      *realtime.Client
		monitor *status.Monitor

		mu               sync.Mutex
		openConversation string
	}
)

// New wires the messaging core for one logged-in identity. rt may be nil in
// environments without a realtime channel (tests, polling-only clients).
func New(self string, keys *identity.Store, dir *keydir.Client, api *transport.Client, store *cache.Store, rt *realtime.Client, monitor *status.Monitor) *Messenger {
	m := &Messenger{
		self:    model.NormalizeIdentity(self),
		keys:    keys,
		dir:     dir,
		api:     api,
		cache:   store,
		rt:      rt,
		monitor: monitor,
	}
	if rt != nil {
		rt.On(model.EventMessageNew, m.handleMessageNew)
		rt.On(model.EventMessageDelivered, m.handleMessageDelivered)
		rt.On(model.EventConversationUpdated, m.handleConversationUpdated)
		rt.On(model.EventConversationRead, m.handleConversationRead)
	}
	return m
}

func (m *Messenger) Self() string        { return m.self }
func (m *Messenger) Cache() *cache.Store { return m.cache }

// Bootstrap ensures the local keypair exists and the public half is
// published, then primes the conversation cache.
func (m *Messenger) Bootstrap(ctx context.Context) error {
	kp, err := m.keys.GetOrCreate(ctx, m.self)
	if err != nil {
		return err
	}
	// Republish every session start; the upsert is idempotent and heals a
	// failed first publish.
	if err := m.dir.UpsertMyPublicKey(ctx, m.self, kp.Public); err != nil {
		log.Warn("session key publish failed", zap.Error(err))
	}
	return m.RefreshConversations(ctx)
}

// OpenConversation marks a conversation as actively visible. Incoming
// messages for it are acknowledged as read, and its unread count resets.
func (m *Messenger) OpenConversation(ctx context.Context, conversationID string) {
	m.mu.Lock()
	m.openConversation = conversationID
	m.mu.Unlock()

	m.cache.Apply(cache.BumpConversation(conversationID, func(c model.Conversation) model.Conversation {
		c.UnreadCount = 0
		return c
	}))
	if err := m.api.MarkConversationRead(ctx, conversationID); err != nil {
		log.Debug("mark read failed", zap.Error(err))
	}
}

// CloseConversation stops read acknowledgements for the view that was
// navigated away from. In-flight sends still land.
func (m *Messenger) CloseConversation() {
	m.mu.Lock()
	m.openConversation = ""
	m.mu.Unlock()
}

func (m *Messenger) openID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openConversation
}

// RefreshConversations refetches the first page of the conversation list.
func (m *Messenger) RefreshConversations(ctx context.Context) error {
	list, err := m.api.ListConversations(ctx, defaultPageSize, 0)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.SetConversations(list))
	return nil
}

// LoadMessages fetches one page for a conversation and merges it into the
// cache without disturbing pending entries.
func (m *Messenger) LoadMessages(ctx context.Context, conversationID string, offset int) error {
	page, err := m.api.FetchMessages(ctx, conversationID, defaultPageSize, offset)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.MergeMessagePage(conversationID, offset, page))
	return nil
}

// RunRealtime drives the realtime connection and the polling fallback until
// ctx is cancelled (logout / credential loss).
func (m *Messenger) RunRealtime(ctx context.Context) {
	if m.rt == nil {
		m.pollLoop(ctx)
		return
	}
	go m.pollLoop(ctx)
	m.rt.Run(ctx)
}

// pollLoop refetches on a short interval whenever the realtime channel is
// not connected. Dedup by id in the reconciler keeps push and poll from
// double-applying the same message.
func (m *Messenger) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.monitor.State() == status.StateConnected {
				continue
			}
			if err := m.RefreshConversations(ctx); err != nil {
				log.Debug("poll refresh failed", zap.Error(err))
				continue
			}
			if open := m.openID(); open != "" {
				if err := m.LoadMessages(ctx, open, 0); err != nil {
					log.Debug("poll page fetch failed", zap.Error(err))
				}
			}
		}
	}
}

func (m *Messenger) handleMessageNew(ev model.Event) {
	if ev.Message == nil {
		return
	}
	msg := *ev.Message
	fromSelf := model.NormalizeIdentity(msg.SenderIdentity) == m.self
	open := m.openID() == msg.ConversationID

	m.cache.Apply(
		cache.UpsertMessage(msg),
		cache.BumpConversation(msg.ConversationID, func(c model.Conversation) model.Conversation {
			c.LastMessageAt = msg.CreatedAt
			if !fromSelf && !open {
				c.UnreadCount++
			}
			return c
		}),
	)

	// Acknowledge delivery for messages we did not author; this is the only
	// write the realtime channel initiates.
	if !fromSelf && m.rt != nil {
		m.rt.Emit(model.Event{
			Type:           model.EventMessageDelivered,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Identity:       m.self,
		})
		if open {
			m.rt.Emit(model.Event{
				Type:           model.EventConversationRead,
				ConversationID: msg.ConversationID,
				Identity:       m.self,
			})
		}
	}
}

func (m *Messenger) handleMessageDelivered(ev model.Event) {
	m.cache.Apply(cache.MarkDelivered(ev.ConversationID, ev.MessageID, ev.Identity))
}

func (m *Messenger) handleConversationUpdated(ev model.Event) {
	if ev.Conversation == nil {
		return
	}
	m.cache.Apply(cache.UpsertConversation(*ev.Conversation))
}

func (m *Messenger) handleConversationRead(ev model.Event) {
	m.cache.Apply(cache.MarkRead(ev.ConversationID, ev.Identity))
}
