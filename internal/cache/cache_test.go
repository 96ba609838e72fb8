package cache

import (
	"testing"

	"movemsg/internal/model"
)

func msg(id, convID, body string) model.Message {
	return model.Message{ID: id, ConversationID: convID, Body: body}
}

func ids(page []model.Message) []string {
	out := make([]string, len(page))
	for i, m := range page {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, got []model.Message, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("page ids %v, want %v", ids(got), want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("page ids %v, want %v", ids(got), want)
		}
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(UpsertMessage(msg("m1", "c1", "hi")))
	s.Apply(UpsertMessage(msg("m1", "c1", "hi")))

	assertIDs(t, s.Snapshot().Messages["c1"], "m1")
}

func TestUpsertMessagePrepends(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(
		UpsertMessage(msg("m1", "c1", "first")),
		UpsertMessage(msg("m2", "c1", "second")),
	)

	assertIDs(t, s.Snapshot().Messages["c1"], "m2", "m1")
}

func TestOptimisticSendResolves(t *testing.T) {
	t.Parallel()

	s := New()
	local := msg("local-abc", "c1", "pending body")
	local.Pending = true
	s.Apply(UpsertMessage(local))

	authoritative := msg("srv-1", "c1", "pending body")
	s.Apply(ResolvePending("local-abc", authoritative))

	page := s.Snapshot().Messages["c1"]
	assertIDs(t, page, "srv-1")
	if page[0].Pending {
		t.Fatal("resolved message still pending")
	}
}

func TestOptimisticSendRollsBack(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(UpsertMessage(msg("m1", "c1", "kept")))
	local := msg("local-abc", "c1", "failed send")
	local.Pending = true
	s.Apply(UpsertMessage(local))

	s.Apply(RemoveMessage("c1", "local-abc"))

	assertIDs(t, s.Snapshot().Messages["c1"], "m1")
}

func TestRemoveUnknownMessageIsNoop(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(UpsertMessage(msg("m1", "c1", "x")))
	s.Apply(RemoveMessage("c1", "ghost"))
	s.Apply(RemoveMessage("unknown-conv", "m1"))

	assertIDs(t, s.Snapshot().Messages["c1"], "m1")
}

func TestMergePagePreservesPending(t *testing.T) {
	t.Parallel()

	s := New()
	local := msg("local-1", "c1", "optimistic")
	local.Pending = true
	s.Apply(
		UpsertMessage(msg("m2", "c1", "old fetch")),
		UpsertMessage(local),
	)

	s.Apply(MergeMessagePage("c1", 0, []model.Message{
		msg("m3", "c1", "newest"),
		msg("m2", "c1", "old fetch"),
		msg("m1", "c1", "oldest"),
	}))

	assertIDs(t, s.Snapshot().Messages["c1"], "local-1", "m3", "m2", "m1")
}

func TestMergeDeeperPageAppends(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(MergeMessagePage("c1", 0, []model.Message{
		msg("m4", "c1", ""),
		msg("m3", "c1", ""),
	}))
	s.Apply(MergeMessagePage("c1", 2, []model.Message{
		msg("m2", "c1", ""),
		msg("m1", "c1", ""),
	}))

	assertIDs(t, s.Snapshot().Messages["c1"], "m4", "m3", "m2", "m1")
}

func TestMergePageDeduplicatesPushedMessage(t *testing.T) {
	t.Parallel()

	s := New()
	// Push delivery arrives first, then the refetch includes the same id.
	s.Apply(UpsertMessage(msg("m1", "c1", "pushed")))
	s.Apply(MergeMessagePage("c1", 0, []model.Message{msg("m1", "c1", "pushed")}))

	assertIDs(t, s.Snapshot().Messages["c1"], "m1")
}

func TestBumpConversation(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(SetConversations([]model.Conversation{
		{ID: "c1"},
		{ID: "c2"},
		{ID: "c3"},
	}))

	s.Apply(BumpConversation("c2", func(c model.Conversation) model.Conversation {
		c.UnreadCount = 5
		return c
	}))

	snap := s.Snapshot()
	if snap.Conversations[0].ID != "c2" || snap.Conversations[0].UnreadCount != 5 {
		t.Fatalf("front conversation %+v", snap.Conversations[0])
	}
	if snap.Conversations[1].ID != "c1" || snap.Conversations[2].ID != "c3" {
		t.Fatalf("order disturbed: %v", []string{snap.Conversations[1].ID, snap.Conversations[2].ID})
	}
}

func TestBumpUnknownConversationIsNoop(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(SetConversations([]model.Conversation{{ID: "c1"}}))
	s.Apply(BumpConversation("ghost", nil))

	snap := s.Snapshot()
	if len(snap.Conversations) != 1 || snap.Conversations[0].ID != "c1" {
		t.Fatalf("snapshot disturbed: %+v", snap.Conversations)
	}
}

func TestMarkDeliveredAndRead(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(
		UpsertMessage(msg("m1", "c1", "")),
		UpsertMessage(msg("m2", "c1", "")),
	)

	s.Apply(MarkDelivered("c1", "m2", "bob@x.org"))
	s.Apply(MarkDelivered("c1", "m2", "bob@x.org"))
	s.Apply(MarkRead("c1", "bob@x.org"))

	page := s.Snapshot().Messages["c1"]
	if len(page[0].DeliveredTo) != 1 || page[0].DeliveredTo[0] != "bob@x.org" {
		t.Fatalf("delivered set %v", page[0].DeliveredTo)
	}
	for _, m := range page {
		if len(m.ReadBy) != 1 || m.ReadBy[0] != "bob@x.org" {
			t.Fatalf("read set on %s: %v", m.ID, m.ReadBy)
		}
	}
}

func TestMarkDeliveredOutsidePageIsNoop(t *testing.T) {
	t.Parallel()

	s := New()
	s.Apply(UpsertMessage(msg("m1", "c1", "")))
	s.Apply(MarkDelivered("c1", "unmaterialized", "bob@x.org"))

	if got := s.Snapshot().Messages["c1"][0].DeliveredTo; len(got) != 0 {
		t.Fatalf("unexpected delivery marks %v", got)
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	t.Parallel()

	s := New()
	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		s.Apply(UpsertMessage(msg("m1", "c1", "")))
	}

	<-ch
	select {
	case <-ch:
		// a second coalesced tick is fine
	default:
	}

	if got := len(s.Snapshot().Messages["c1"]); got != 1 {
		t.Fatalf("expected one message, got %d", got)
	}
}
