package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"movemsg/internal/cache"
	"movemsg/internal/identity"
	"movemsg/internal/keydir"
	"movemsg/internal/model"
	"movemsg/internal/payload"
	"movemsg/internal/policy"
	"movemsg/internal/protocol/envelope"
	"movemsg/internal/status"
	"movemsg/internal/transport"

	"github.com/google/uuid"
)

// fakeBackend is an in-memory stand-in for the reference backend, just
// enough surface for the messenger to run end to end over real HTTP.
type fakeBackend struct {
	mu            sync.Mutex
	keys          map[string]string
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	gate          model.GateResult
	eligible      map[string][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		keys:          make(map[string]string),
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
		gate:          model.GateResult{OK: true},
		eligible:      make(map[string][]string),
	}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	respond := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if v != nil {
			_ = json.NewEncoder(w).Encode(v)
		}
	}

	switch {
	case parts[0] == "keys" && len(parts) == 2:
		if r.Method == http.MethodPut {
			var doc struct {
				PublicKey string `json:"public_key"`
			}
			_ = json.NewDecoder(r.Body).Decode(&doc)
			b.keys[parts[1]] = doc.PublicKey
			respond(http.StatusOK, nil)
			return
		}
		key, ok := b.keys[parts[1]]
		if !ok {
			http.Error(w, "no published key", http.StatusNotFound)
			return
		}
		respond(http.StatusOK, map[string]string{"identity": parts[1], "public_key": key})

	case parts[0] == "gate":
		respond(http.StatusOK, b.gate)

	case parts[0] == "conversations" && len(parts) == 1 && r.Method == http.MethodGet:
		list := []model.Conversation{}
		for _, c := range b.conversations {
			if c.HasParticipant(bearer) {
				list = append(list, *c)
			}
		}
		respond(http.StatusOK, list)

	case parts[0] == "conversations" && len(parts) == 1 && r.Method == http.MethodPost:
		var req struct {
			Participants []string             `json:"participants"`
			IsGroup      bool                 `json:"is_group"`
			Group        *model.GroupMetadata `json:"group"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		conv := &model.Conversation{
			ID:                uuid.NewString(),
			Participants:      model.NormalizeIdentities(append(req.Participants, bearer)),
			IsGroup:           req.IsGroup,
			Group:             req.Group,
			CreatedByIdentity: bearer,
			CreatedAt:         time.Now().UTC(),
		}
		if !req.IsGroup {
			conv.RequestStatus = model.RequestPending
			conv.RequesterIdentity = bearer
		}
		b.conversations[conv.ID] = conv
		respond(http.StatusCreated, conv)

	case parts[0] == "conversations" && len(parts) == 2:
		conv, ok := b.conversations[parts[1]]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		respond(http.StatusOK, conv)

	case parts[0] == "conversations" && len(parts) == 3 && parts[2] == "request":
		conv, ok := b.conversations[parts[1]]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req struct {
			Action string `json:"action"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Action {
		case "accept":
			conv.RequestStatus = model.RequestAccepted
		case "decline":
			conv.RequestStatus = model.RequestDeclined
		case "block":
			conv.RequestStatus = model.RequestBlocked
		}
		respond(http.StatusOK, conv)

	case parts[0] == "conversations" && len(parts) == 3 && parts[2] == "messages" && r.Method == http.MethodPost:
		conv, ok := b.conversations[parts[1]]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if !policy.For(*conv).CanPost(bearer) {
			http.Error(w, "posting not permitted", http.StatusForbidden)
			return
		}
		var req struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		msg := model.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderIdentity: bearer,
			Body:           req.Body,
			CreatedAt:      time.Now().UTC(),
		}
		b.messages[conv.ID] = append([]model.Message{msg}, b.messages[conv.ID]...)
		respond(http.StatusCreated, msg)

	case parts[0] == "conversations" && len(parts) == 3 && parts[2] == "messages":
		respond(http.StatusOK, b.messages[parts[1]])

	case parts[0] == "conversations" && len(parts) == 3 && parts[2] == "participants":
		conv, ok := b.conversations[parts[1]]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req struct {
			Add    []string `json:"add"`
			Remove []string `json:"remove"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		next := conv.Participants
		for _, gone := range req.Remove {
			kept := next[:0:0]
			for _, p := range next {
				if p != gone {
					kept = append(kept, p)
				}
			}
			next = kept
		}
		conv.Participants = model.NormalizeIdentities(append(next, req.Add...))
		respond(http.StatusOK, conv)

	case parts[0] == "movements" && len(parts) == 3 && parts[2] == "eligible":
		respond(http.StatusOK, b.eligible[parts[1]])

	case parts[0] == "conversations" && len(parts) == 3 && parts[2] == "read":
		respond(http.StatusOK, nil)

	default:
		http.Error(w, "unhandled path "+r.URL.Path, http.StatusNotFound)
	}
}

func newMessenger(t *testing.T, srv *httptest.Server, self string) *Messenger {
	t.Helper()
	dir := keydir.NewClient(srv.URL, self)
	keys := identity.NewStore(identity.Options{DataDir: t.TempDir(), DisableKeyring: true}, dir)
	api := transport.NewClient(srv.URL, self)
	return New(self, keys, dir, api, cache.New(), nil, status.NewMonitor())
}

func TestRequestWorkflowEndToEnd(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	ctx := context.Background()
	alice := newMessenger(t, srv, "alice@x.org")
	bob := newMessenger(t, srv, "bob@x.org")

	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatalf("alice bootstrap: %v", err)
	}
	if err := bob.Bootstrap(ctx); err != nil {
		t.Fatalf("bob bootstrap: %v", err)
	}

	// First contact: alice starts a pending conversation and may post into
	// it as the requester.
	conv, err := alice.StartConversation(ctx, []string{"bob@x.org"}, nil, payload.Text{Text: "hello bob"})
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	if conv.RequestStatus != model.RequestPending {
		t.Fatalf("status %q, want pending", conv.RequestStatus)
	}

	// The optimistic entry resolved to the authoritative message.
	page := alice.Cache().Snapshot().Messages[conv.ID]
	if len(page) != 1 {
		t.Fatalf("alice cache has %d messages", len(page))
	}
	if page[0].Pending {
		t.Fatal("send left a pending entry behind")
	}
	if strings.Contains(page[0].Body, "hello bob") {
		t.Fatal("plaintext leaked into the stored body")
	}

	// Bob sees the request but cannot post until he accepts.
	if err := bob.RefreshConversations(ctx); err != nil {
		t.Fatalf("bob refresh: %v", err)
	}
	if _, err := bob.Send(ctx, conv.ID, payload.Text{Text: "too early"}); !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("expected ErrDenied before accept, got %v", err)
	}

	if err := bob.Accept(ctx, conv.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := bob.Send(ctx, conv.ID, payload.Text{Text: "hi alice"}); err != nil {
		t.Fatalf("send after accept: %v", err)
	}

	// Bob reads alice's first message back out of the encrypted history.
	if err := bob.LoadMessages(ctx, conv.ID, 0); err != nil {
		t.Fatalf("bob load: %v", err)
	}
	snap := bob.Cache().Snapshot()
	bobConv, _ := snap.Conversation(conv.ID)

	var first *model.Message
	for i := range snap.Messages[conv.ID] {
		if model.NormalizeIdentity(snap.Messages[conv.ID][i].SenderIdentity) == "alice@x.org" {
			first = &snap.Messages[conv.ID][i]
		}
	}
	if first == nil {
		t.Fatal("alice's message not in bob's page")
	}

	got, err := bob.Decrypt(ctx, &bobConv, first)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if text, ok := got.(payload.Text); !ok || text.Text != "hello bob" {
		t.Fatalf("decrypted %#v", got)
	}
}

func TestStartConversationFailsOnMissingKey(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	ctx := context.Background()
	alice := newMessenger(t, srv, "alice@x.org")
	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// nobody@x.org never published a key; the whole action fails with no
	// conversation created.
	_, err := alice.StartConversation(ctx, []string{"nobody@x.org"}, nil, payload.Text{Text: "hi"})
	if !errors.Is(err, keydir.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if len(backend.conversations) != 0 {
		t.Fatal("conversation created despite missing key")
	}
}

func TestSendRollsBackOnTransportFailure(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)

	ctx := context.Background()
	alice := newMessenger(t, srv, "alice@x.org")
	bob := newMessenger(t, srv, "bob@x.org")
	if err := alice.Bootstrap(ctx); err != nil {
		t.Fatalf("alice bootstrap: %v", err)
	}
	if err := bob.Bootstrap(ctx); err != nil {
		t.Fatalf("bob bootstrap: %v", err)
	}

	conv, err := alice.StartConversation(ctx, []string{"bob@x.org"}, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Keys and conversation are cached locally; kill the backend so only
	// the submit fails.
	srv.Close()

	_, err = alice.Send(ctx, conv.ID, payload.Text{Text: "doomed"})
	if !errors.Is(err, transport.ErrTransportFailure) {
		t.Fatalf("expected ErrTransportFailure, got %v", err)
	}
	if got := alice.Cache().Snapshot().Messages[conv.ID]; len(got) != 0 {
		t.Fatalf("optimistic entry not rolled back: %v", got)
	}
}

func TestGroupSendFansOutToAllParticipants(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	ctx := context.Background()
	members := []string{"alice@x.org", "bob@x.org", "carol@x.org"}
	clients := make(map[string]*Messenger, len(members))
	for _, id := range members {
		clients[id] = newMessenger(t, srv, id)
		if err := clients[id].Bootstrap(ctx); err != nil {
			t.Fatalf("%s bootstrap: %v", id, err)
		}
	}

	group := &model.GroupMetadata{Name: "organizers", PostMode: model.PostModeAll}
	conv, err := clients["alice@x.org"].StartConversation(ctx, members, group, payload.Text{Text: "first meeting tonight"})
	if err != nil {
		t.Fatalf("start group: %v", err)
	}

	backend.mu.Lock()
	stored := backend.messages[conv.ID][0]
	backend.mu.Unlock()

	env, err := envelope.Unpack(stored.Body)
	if err != nil {
		t.Fatalf("stored body is not an envelope: %v", err)
	}
	if len(env.Recipients) != len(members) {
		t.Fatalf("fan-out to %d recipients, want %d", len(env.Recipients), len(members))
	}

	// Every member, the sender included, reads the plaintext back.
	for _, id := range members {
		m := clients[id]
		if err := m.RefreshConversations(ctx); err != nil {
			t.Fatalf("%s refresh: %v", id, err)
		}
		if err := m.LoadMessages(ctx, conv.ID, 0); err != nil {
			t.Fatalf("%s load: %v", id, err)
		}
		snap := m.Cache().Snapshot()
		mConv, ok := snap.Conversation(conv.ID)
		if !ok {
			t.Fatalf("%s does not see the group", id)
		}
		msg := snap.Messages[conv.ID][len(snap.Messages[conv.ID])-1]
		got, err := m.Decrypt(ctx, &mConv, &msg)
		if err != nil {
			t.Fatalf("%s decrypt: %v", id, err)
		}
		if text, ok := got.(payload.Text); !ok || text.Text != "first meeting tonight" {
			t.Fatalf("%s decrypted %#v", id, got)
		}
	}
}

func TestMovementGroupMembershipAllowList(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.eligible["mv-1"] = []string{"carol@x.org"}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	ctx := context.Background()
	for _, id := range []string{"alice@x.org", "bob@x.org", "carol@x.org", "dave@x.org"} {
		m := newMessenger(t, srv, id)
		if err := m.Bootstrap(ctx); err != nil {
			t.Fatalf("%s bootstrap: %v", id, err)
		}
	}

	owner := newMessenger(t, srv, "alice@x.org")
	if err := owner.Bootstrap(ctx); err != nil {
		t.Fatalf("owner bootstrap: %v", err)
	}

	group := &model.GroupMetadata{
		Name:          "verified organizers",
		PostMode:      model.PostModeAll,
		Type:          model.GroupMovementVerified,
		MovementID:    "mv-1",
		OwnerIdentity: "alice@x.org",
	}
	conv, err := owner.StartConversation(ctx, []string{"alice@x.org", "bob@x.org"}, group, nil)
	if err != nil {
		t.Fatalf("start group: %v", err)
	}

	// dave@x.org has no approved evidence on the movement.
	if err := owner.AddMembers(ctx, conv.ID, []string{"dave@x.org"}); !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("expected ErrDenied for ineligible member, got %v", err)
	}

	if err := owner.AddMembers(ctx, conv.ID, []string{"carol@x.org"}); err != nil {
		t.Fatalf("add eligible member: %v", err)
	}
	updated, _ := owner.Cache().Snapshot().Conversation(conv.ID)
	if !updated.HasParticipant("carol@x.org") {
		t.Fatalf("carol not added: %v", updated.Participants)
	}

	if err := owner.RemoveMembers(ctx, conv.ID, []string{"carol@x.org"}); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	updated, _ = owner.Cache().Snapshot().Conversation(conv.ID)
	if updated.HasParticipant("carol@x.org") {
		t.Fatalf("carol not removed: %v", updated.Participants)
	}
}

func TestDecryptToleratesLegacyPlaintext(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	alice := newMessenger(t, srv, "alice@x.org")
	conv := model.Conversation{ID: "c1", Participants: []string{"alice@x.org", "bob@x.org"}}
	msg := model.Message{ID: "m1", ConversationID: "c1", SenderIdentity: "bob@x.org", Body: "pre-encryption history"}

	got, err := alice.Decrypt(context.Background(), &conv, &msg)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if text, ok := got.(payload.Text); !ok || text.Text != "pre-encryption history" {
		t.Fatalf("got %#v", got)
	}
}
