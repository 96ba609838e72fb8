package model

import (
	"strings"
	"testing"
)

func TestNormalizeIdentities(t *testing.T) {
	t.Parallel()

	got := NormalizeIdentities([]string{" Alice@X.org ", "bob@x.org", "ALICE@x.org", "", "carol@x.org"})
	want := []string{"alice@x.org", "bob@x.org", "carol@x.org"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPeerOf(t *testing.T) {
	t.Parallel()

	c := Conversation{Participants: []string{"Alice@X.org", "bob@x.org"}}
	if got := c.PeerOf("alice@x.org"); got != "bob@x.org" {
		t.Fatalf("peer %q", got)
	}
	if got := c.PeerOf("bob@x.org"); got != "alice@x.org" {
		t.Fatalf("peer %q", got)
	}
}

func TestNewPendingMessage(t *testing.T) {
	t.Parallel()

	m := NewPendingMessage("c1", "Alice@X.org", "body")
	if !m.Pending {
		t.Fatal("not marked pending")
	}
	if !strings.HasPrefix(m.ID, "local-") {
		t.Fatalf("local id %q", m.ID)
	}
	if m.SenderIdentity != "alice@x.org" {
		t.Fatalf("sender %q", m.SenderIdentity)
	}
}

func TestReadByIdentity(t *testing.T) {
	t.Parallel()

	m := Message{ReadBy: []string{"Alice@X.org"}}
	if !m.ReadByIdentity("alice@x.org") {
		t.Fatal("case-insensitive read check failed")
	}
	if m.ReadByIdentity("bob@x.org") {
		t.Fatal("unexpected read")
	}
}
