package feed

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/lnurl"
	"github.com/sandwichfarm/zapfeed/internal/profiles"
	"github.com/tidwall/gjson"
)

// Processor turns raw zap receipt events (kind 9735) into normalized
// Payment records. Records keep arrival order so display order matches
// real-world settlement order.
type Processor struct{}

// NewProcessor creates a receipt processor
func NewProcessor() *Processor {
	return &Processor{}
}

// ProcessReceipts normalizes a batch of receipt events. Decode failures
// degrade to zero/empty fields, never drop the record; receipts without a
// post reference are skipped.
func (rp *Processor) ProcessReceipts(events []*nostr.Event, profileMap map[string]*profiles.Profile) []Payment {
	payments := make([]Payment, 0, len(events))

	for _, ev := range events {
		if ev == nil || ev.Kind != KindZapReceipt {
			continue
		}

		postID := ReferencedPost(ev)
		if postID == "" {
			continue
		}

		payment := Payment{
			ReceiptID: ev.ID,
			PostID:    postID,
			Payer:     ev.PubKey, // fallback; the zap request is authoritative
			CreatedAt: ev.CreatedAt,
		}

		// Amount comes from the embedded bolt11 invoice. Decode failure
		// means amount zero, non-fatal.
		if bolt11 := TagValue(ev, "bolt11"); bolt11 != "" {
			if amount, err := lnurl.AmountMsat(bolt11); err == nil {
				payment.AmountMsat = amount
			}
		}

		// The description tag carries the signed zap request (kind 9734)
		// with the real payer and an optional message.
		if desc := TagValue(ev, "description"); desc != "" {
			request := gjson.Parse(desc)
			if pubkey := request.Get("pubkey").String(); pubkey != "" {
				payment.Payer = pubkey
			}
			payment.Message = request.Get("content").String()
		}

		if profile := profileMap[payment.Payer]; profile != nil {
			payment.PayerName = profile.BestName()
			payment.PayerAvatar = profile.Picture
		}
		if payment.PayerName == "" {
			payment.PayerName = profiles.TruncatePubkey(payment.Payer)
		}

		payments = append(payments, payment)
	}

	return payments
}

// Payers returns the unique resolved payer pubkeys for a set of receipt
// events, for profile prefetching before normalization.
func (rp *Processor) Payers(events []*nostr.Event) []string {
	seen := make(map[string]struct{}, len(events))
	payers := make([]string, 0, len(events))

	for _, ev := range events {
		if ev == nil || ev.Kind != KindZapReceipt {
			continue
		}
		payer := ev.PubKey
		if desc := TagValue(ev, "description"); desc != "" {
			if pubkey := gjson.Parse(desc).Get("pubkey").String(); pubkey != "" {
				payer = pubkey
			}
		}
		if _, ok := seen[payer]; ok {
			continue
		}
		seen[payer] = struct{}{}
		payers = append(payers, payer)
	}

	return payers
}
