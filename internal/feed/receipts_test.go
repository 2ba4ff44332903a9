package feed

import (
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/profiles"
)

func receiptEvent(id, signer, postID string, tags nostr.Tags) *nostr.Event {
	all := nostr.Tags{{"e", postID}}
	all = append(all, tags...)
	return &nostr.Event{
		ID:        id,
		Kind:      KindZapReceipt,
		PubKey:    signer,
		CreatedAt: 2000,
		Tags:      all,
	}
}

func zapRequestDescription(payer, message string) string {
	return fmt.Sprintf(`{"kind":9734,"pubkey":"%s","content":"%s","tags":[]}`, payer, message)
}

func TestProcessReceipts(t *testing.T) {
	processor := NewProcessor()

	events := []*nostr.Event{
		receiptEvent("r1", "lnurl-server", "p1", nostr.Tags{
			{"bolt11", "lnbc20u1pfakeinvoice"},
			{"description", zapRequestDescription("real-payer", "great post")},
		}),
	}

	payments := processor.ProcessReceipts(events, map[string]*profiles.Profile{
		"real-payer": {PubKey: "real-payer", Name: "alice", Picture: "https://img.example/a.png"},
	})

	if len(payments) != 1 {
		t.Fatalf("ProcessReceipts() produced %d payments, want 1", len(payments))
	}

	p := payments[0]
	if p.Payer != "real-payer" {
		t.Errorf("Payer = %s, want zap request pubkey, not receipt signer", p.Payer)
	}
	if p.AmountMsat != 2000000 {
		t.Errorf("AmountMsat = %d, want 2000000 (20u)", p.AmountMsat)
	}
	if p.Message != "great post" {
		t.Errorf("Message = %q", p.Message)
	}
	if p.PayerName != "alice" || p.PayerAvatar != "https://img.example/a.png" {
		t.Errorf("payer display = (%q, %q)", p.PayerName, p.PayerAvatar)
	}
	if p.PostID != "p1" || p.ReceiptID != "r1" {
		t.Errorf("attribution = (%s, %s)", p.PostID, p.ReceiptID)
	}
}

func TestProcessReceipts_FallbacksOnDecodeFailure(t *testing.T) {
	processor := NewProcessor()

	signer := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	events := []*nostr.Event{
		receiptEvent("r1", signer, "p1", nostr.Tags{
			{"bolt11", "garbage-invoice"},
			{"description", "{not json"},
		}),
	}

	payments := processor.ProcessReceipts(events, nil)
	if len(payments) != 1 {
		t.Fatalf("decode failure must not drop the record, got %d payments", len(payments))
	}

	p := payments[0]
	if p.AmountMsat != 0 {
		t.Errorf("AmountMsat = %d, want 0 for undecodable invoice", p.AmountMsat)
	}
	if p.Payer != signer {
		t.Errorf("Payer = %s, want receipt signer fallback", p.Payer)
	}
	if p.PayerName != profiles.TruncatePubkey(signer) {
		t.Errorf("PayerName = %q, want truncated pubkey fallback", p.PayerName)
	}
}

func TestProcessReceipts_SkipsUnattributable(t *testing.T) {
	processor := NewProcessor()

	noRef := &nostr.Event{ID: "r1", Kind: KindZapReceipt, PubKey: "x"}
	wrongKind := postEvent("p1", nil)

	payments := processor.ProcessReceipts([]*nostr.Event{noRef, wrongKind, nil}, nil)
	if len(payments) != 0 {
		t.Errorf("ProcessReceipts() produced %d payments, want 0", len(payments))
	}
}

func TestProcessReceipts_ArrivalOrder(t *testing.T) {
	processor := NewProcessor()

	events := []*nostr.Event{
		receiptEvent("r2", "b", "p1", nil),
		receiptEvent("r1", "a", "p1", nil),
		receiptEvent("r3", "c", "p1", nil),
	}

	payments := processor.ProcessReceipts(events, nil)
	if len(payments) != 3 {
		t.Fatalf("got %d payments", len(payments))
	}
	for i, want := range []string{"r2", "r1", "r3"} {
		if payments[i].ReceiptID != want {
			t.Errorf("payments[%d] = %s, want %s (arrival order)", i, payments[i].ReceiptID, want)
		}
	}
}

func TestPayers(t *testing.T) {
	processor := NewProcessor()

	events := []*nostr.Event{
		receiptEvent("r1", "server", "p1", nostr.Tags{
			{"description", zapRequestDescription("alice", "")},
		}),
		receiptEvent("r2", "server", "p2", nostr.Tags{
			{"description", zapRequestDescription("alice", "")},
		}),
		receiptEvent("r3", "bob-direct", "p1", nil),
	}

	payers := processor.Payers(events)
	if len(payers) != 2 {
		t.Fatalf("Payers() = %v, want 2 unique payers", payers)
	}
	if payers[0] != "alice" || payers[1] != "bob-direct" {
		t.Errorf("Payers() = %v", payers)
	}
}
