package store

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
)

func TestMemoryStoreLists(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	if _, err := s.GetByEmail(ctx, "list@example.org"); !errors.Is(err, core.ErrUnknownList) {
		t.Fatalf("expected unknown-list error, got %v", err)
	}

	s.PutList(&core.List{Email: "List@example.org", SubjectPrefix: "[x]"})
	list, err := s.GetByEmail(ctx, "LIST@example.org")
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if list.SubjectPrefix != "[x]" {
		t.Fatalf("unexpected list: %+v", list)
	}

	// The returned list is a copy, mutations do not write back.
	list.SubjectPrefix = "[y]"
	again, err := s.GetByEmail(ctx, "list@example.org")
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if again.SubjectPrefix != "[x]" {
		t.Fatalf("stored list was mutated through the returned copy")
	}
}

func TestMemoryStoreSubscribers(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	listEmail := "list@example.org"

	if err := s.Add(ctx, listEmail, core.Subscriber{Email: "Bob@example.org", DeliveryEnabled: true}); err != nil {
		t.Fatalf("add: %s", err)
	}
	if err := s.Add(ctx, listEmail, core.Subscriber{Email: "alice@example.org", Fingerprint: "aabbccdd", Admin: true, DeliveryEnabled: true}); err != nil {
		t.Fatalf("add: %s", err)
	}

	subs, err := s.Subscribers(ctx, listEmail)
	if err != nil {
		t.Fatalf("subscribers: %s", err)
	}
	if len(subs) != 2 || subs[0].Email != "alice@example.org" || subs[1].Email != "bob@example.org" {
		t.Fatalf("expected sorted lowercased members, got %+v", subs)
	}

	sub, err := s.Get(ctx, listEmail, "BOB@example.org")
	if err != nil || sub == nil || sub.Email != "bob@example.org" {
		t.Fatalf("lookup should be case-insensitive, got %+v, %v", sub, err)
	}

	sub, err = s.ByFingerprint(ctx, listEmail, "AABBCCDD")
	if err != nil || sub == nil || sub.Email != "alice@example.org" {
		t.Fatalf("fingerprint lookup failed, got %+v, %v", sub, err)
	}
	sub, err = s.ByFingerprint(ctx, listEmail, "")
	if err != nil || sub != nil {
		t.Fatalf("empty fingerprint must not match, got %+v", sub)
	}

	if err := s.SetFingerprint(ctx, listEmail, "bob@example.org", "11223344"); err != nil {
		t.Fatalf("set fingerprint: %s", err)
	}
	sub, _ = s.Get(ctx, listEmail, "bob@example.org")
	if sub.Fingerprint != "11223344" {
		t.Fatalf("fingerprint not updated: %+v", sub)
	}
	if err := s.SetFingerprint(ctx, listEmail, "nobody@example.org", "11"); err == nil {
		t.Fatalf("expected error for unknown subscription")
	}

	removed, err := s.Remove(ctx, listEmail, "bob@example.org")
	if err != nil || !removed {
		t.Fatalf("remove: %v, %v", removed, err)
	}
	removed, err = s.Remove(ctx, listEmail, "bob@example.org")
	if err != nil || removed {
		t.Fatalf("second remove must report missing, got %v", removed)
	}
}
