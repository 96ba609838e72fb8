// Package cache is the single source of truth for what the UI renders. It
// reconciles three concurrent writers — paginated fetches, optimistic local
// sends and realtime push events — as pure old→new transforms over an
// immutable snapshot, applied atomically under one lock. Reducers are total:
// they never fail, and events that reference state outside the materialized
// pages degrade to no-ops picked up by the next full refetch.
package cache

import (
	"sync"

	"movemsg/internal/model"
)

type (
	// Snapshot is the immutable cache value. Messages holds the first page
	// per conversation, newest first. Consumers must not mutate it.
	Snapshot struct {
		Conversations []model.Conversation
		Messages      map[string][]model.Message
	}

	// Reducer is a pure transform from one snapshot to the next.
	Reducer func(Snapshot) Snapshot

	Store struct {
		mu        sync.Mutex
		snap      Snapshot
		listeners map[int]chan struct{}
		nextID    int
	}
)

func New() *Store {
	return &Store{
		snap: Snapshot{
			Messages: make(map[string][]model.Message),
		},
		listeners: make(map[int]chan struct{}),
	}
}

// Snapshot returns the current cache value.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Apply runs reducers atomically against the current snapshot and notifies
// subscribers.
func (s *Store) Apply(reducers ...Reducer) {
	s.mu.Lock()
	next := s.snap
	for _, r := range reducers {
		next = r(next)
	}
	s.snap = next
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribe returns a change-notification channel and its cancel func.
// Notifications coalesce; subscribers re-read Snapshot on each tick.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.listeners[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Conversation looks up a materialized conversation by id.
func (snap Snapshot) Conversation(id string) (model.Conversation, bool) {
	for _, c := range snap.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// UpsertMessage inserts into the conversation's first page, removing any
// prior entry with the same id first. That one rule covers both the
// optimistic→authoritative replacement and duplicate push delivery.
func UpsertMessage(m model.Message) Reducer {
	return func(snap Snapshot) Snapshot {
		page := snap.Messages[m.ConversationID]
		next := make([]model.Message, 0, len(page)+1)
		next = append(next, m)
		for _, existing := range page {
			if existing.ID == m.ID {
				continue
			}
			next = append(next, existing)
		}
		return snap.withPage(m.ConversationID, next)
	}
}

// RemoveMessage deletes a message by id. Removing a pending local id must
// not disturb authoritative entries, and removing an unknown id is a no-op.
func RemoveMessage(conversationID, messageID string) Reducer {
	return func(snap Snapshot) Snapshot {
		page, ok := snap.Messages[conversationID]
		if !ok {
			return snap
		}
		next := make([]model.Message, 0, len(page))
		for _, m := range page {
			if m.ID == messageID {
				continue
			}
			next = append(next, m)
		}
		if len(next) == len(page) {
			return snap
		}
		return snap.withPage(conversationID, next)
	}
}

// ResolvePending replaces the optimistic entry with the authoritative
// message in one step.
func ResolvePending(localID string, authoritative model.Message) Reducer {
	return func(snap Snapshot) Snapshot {
		snap = RemoveMessage(authoritative.ConversationID, localID)(snap)
		return UpsertMessage(authoritative)(snap)
	}
}

// MergeMessagePage merges a fetched page at the given offset without
// dropping pending entries or duplicating pushed messages. Offset zero
// resets the authoritative prefix; deeper offsets append past it.
func MergeMessagePage(conversationID string, offset int, fetched []model.Message) Reducer {
	return func(snap Snapshot) Snapshot {
		current := snap.Messages[conversationID]

		var pending []model.Message
		var settled []model.Message
		for _, m := range current {
			if m.Pending {
				pending = append(pending, m)
			} else {
				settled = append(settled, m)
			}
		}

		var base []model.Message
		if offset > 0 && offset <= len(settled) {
			base = settled[:offset]
		}

		seen := make(map[string]struct{}, len(base)+len(fetched))
		next := make([]model.Message, 0, len(pending)+len(base)+len(fetched))
		next = append(next, pending...)
		for _, m := range base {
			seen[m.ID] = struct{}{}
			next = append(next, m)
		}
		for _, m := range fetched {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			next = append(next, m)
		}
		return snap.withPage(conversationID, next)
	}
}

// SetConversations replaces the conversation list from a full refetch.
func SetConversations(list []model.Conversation) Reducer {
	return func(snap Snapshot) Snapshot {
		snap.Conversations = append([]model.Conversation(nil), list...)
		return snap
	}
}

// BumpConversation moves the conversation to the front and applies patch.
// When the conversation is not materialized this is a no-op; the next full
// refetch picks it up.
func BumpConversation(conversationID string, patch func(model.Conversation) model.Conversation) Reducer {
	return func(snap Snapshot) Snapshot {
		idx := -1
		for i, c := range snap.Conversations {
			if c.ID == conversationID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return snap
		}

		updated := snap.Conversations[idx]
		if patch != nil {
			updated = patch(updated)
		}

		next := make([]model.Conversation, 0, len(snap.Conversations))
		next = append(next, updated)
		next = append(next, snap.Conversations[:idx]...)
		next = append(next, snap.Conversations[idx+1:]...)
		snap.Conversations = next
		return snap
	}
}

// UpsertConversation patches a materialized conversation in place, or
// prepends it when new.
func UpsertConversation(conv model.Conversation) Reducer {
	return func(snap Snapshot) Snapshot {
		for i, c := range snap.Conversations {
			if c.ID == conv.ID {
				next := append([]model.Conversation(nil), snap.Conversations...)
				next[i] = conv
				snap.Conversations = next
				return snap
			}
		}
		next := make([]model.Conversation, 0, len(snap.Conversations)+1)
		next = append(next, conv)
		next = append(next, snap.Conversations...)
		snap.Conversations = next
		return snap
	}
}

// MarkDelivered adds identity to the delivered set of one message. Events
// for messages outside the materialized page are silently dropped.
func MarkDelivered(conversationID, messageID, identity string) Reducer {
	return patchMessage(conversationID, messageID, func(m model.Message) model.Message {
		m.DeliveredTo = addIdentity(m.DeliveredTo, identity)
		return m
	})
}

// MarkRead adds identity to the read set of every materialized message in
// the conversation.
func MarkRead(conversationID, identity string) Reducer {
	return func(snap Snapshot) Snapshot {
		page, ok := snap.Messages[conversationID]
		if !ok {
			return snap
		}
		next := make([]model.Message, len(page))
		for i, m := range page {
			m.ReadBy = addIdentity(m.ReadBy, identity)
			next[i] = m
		}
		return snap.withPage(conversationID, next)
	}
}

func patchMessage(conversationID, messageID string, patch func(model.Message) model.Message) Reducer {
	return func(snap Snapshot) Snapshot {
		page, ok := snap.Messages[conversationID]
		if !ok {
			return snap
		}
		idx := -1
		for i, m := range page {
			if m.ID == messageID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return snap
		}
		next := append([]model.Message(nil), page...)
		next[idx] = patch(next[idx])
		return snap.withPage(conversationID, next)
	}
}

func (snap Snapshot) withPage(conversationID string, page []model.Message) Snapshot {
	messages := make(map[string][]model.Message, len(snap.Messages)+1)
	for k, v := range snap.Messages {
		messages[k] = v
	}
	messages[conversationID] = page
	snap.Messages = messages
	return snap
}

func addIdentity(set []string, identity string) []string {
	identity = model.NormalizeIdentity(identity)
	for _, existing := range set {
		if model.NormalizeIdentity(existing) == identity {
			return set
		}
	}
	next := make([]string, 0, len(set)+1)
	next = append(next, set...)
	return append(next, identity)
}
