package core

import "testing"

func TestClassifyRecipient(t *testing.T) {
	cases := []struct {
		recipient string
		list      string
		class     AddressClass
	}{
		{"list@example.org", "list@example.org", ClassPost},
		{"list-request@example.org", "list@example.org", ClassRequest},
		{"list-sendkey@example.org", "list@example.org", ClassSendkey},
		{"list-owner@example.org", "list@example.org", ClassOwner},
		{"list-bounce@example.org", "list@example.org", ClassBounce},
		{"my-list@example.org", "my-list@example.org", ClassPost},
		{"my-list-request@example.org", "my-list@example.org", ClassRequest},
	}
	for _, c := range cases {
		list, class := ClassifyRecipient(c.recipient)
		if list != c.list || class != c.class {
			t.Errorf("ClassifyRecipient(%q) = (%q, %d), expected (%q, %d)",
				c.recipient, list, class, c.list, c.class)
		}
	}
}

func TestSubaddresses(t *testing.T) {
	l := &List{Email: "list@example.org"}
	if got := l.RequestAddress(); got != "list-request@example.org" {
		t.Errorf("RequestAddress = %q", got)
	}
	if got := l.SendkeyAddress(); got != "list-sendkey@example.org" {
		t.Errorf("SendkeyAddress = %q", got)
	}
	if got := l.OwnerAddress(); got != "list-owner@example.org" {
		t.Errorf("OwnerAddress = %q", got)
	}
	if got := l.BounceAddress(); got != "list-bounce@example.org" {
		t.Errorf("BounceAddress = %q", got)
	}
}

func TestExtractAddress(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"alice@example.org", "alice@example.org"},
		{"<alice@example.org>", "alice@example.org"},
		{"Alice A. <alice@example.org>", "alice@example.org"},
		{"  <alice@example.org>  ", "alice@example.org"},
	}
	for _, c := range cases {
		if got := ExtractAddress(c.in); got != c.out {
			t.Errorf("ExtractAddress(%q) = %q, expected %q", c.in, got, c.out)
		}
	}
}

func TestKeywordFlags(t *testing.T) {
	l := &List{
		KeywordsAdminOnly:   []string{"subscribe", "unsubscribe"},
		KeywordsAdminNotify: []string{"add-key"},
	}
	if !l.AdminOnlyKeyword("subscribe") || l.AdminOnlyKeyword("list-keys") {
		t.Errorf("AdminOnlyKeyword misclassifies")
	}
	if !l.AdminNotifyKeyword("add-key") || l.AdminNotifyKeyword("subscribe") {
		t.Errorf("AdminNotifyKeyword misclassifies")
	}
}
