package feed

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds handled by the engine
const (
	KindProfile    = 0
	KindPost       = 1
	KindContacts   = 3
	KindZapRequest = 9734
	KindZapReceipt = 9735
)

// ZapConstraints are the payment constraints a post declares through its
// structured tags. All amounts are millisatoshis.
type ZapConstraints struct {
	MinAmountMsat   int64
	MaxAmountMsat   int64
	MaxUses         int
	GoalMsat        int64  // display-level target, never enforced
	RequiredPayer   string // pubkey; when set, only this payer's zaps count toward usage
	AddressOverride string // lud16 address or LNURL endpoint overriding the author profile
}

// Declared reports whether the post declares at least one amount bound,
// which is a precondition for payability.
func (zc ZapConstraints) Declared() bool {
	return zc.MinAmountMsat > 0 || zc.MaxAmountMsat > 0
}

// InRange reports whether an amount satisfies the declared bounds.
func (zc ZapConstraints) InRange(amountMsat int64) bool {
	if zc.MinAmountMsat > 0 && amountMsat < zc.MinAmountMsat {
		return false
	}
	if zc.MaxAmountMsat > 0 && amountMsat > zc.MaxAmountMsat {
		return false
	}
	return true
}

// ParseConstraints extracts zap constraints from a post event's tags
func ParseConstraints(event *nostr.Event) ZapConstraints {
	var zc ZapConstraints

	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}

		switch tag[0] {
		case "zap-min":
			zc.MinAmountMsat = parseAmount(tag[1])
		case "zap-max":
			zc.MaxAmountMsat = parseAmount(tag[1])
		case "zap-uses":
			if n, err := strconv.Atoi(tag[1]); err == nil && n > 0 {
				zc.MaxUses = n
			}
		case "zap-goal":
			zc.GoalMsat = parseAmount(tag[1])
		case "zap-payer":
			zc.RequiredPayer = tag[1]
		case "zap-lnurl":
			zc.AddressOverride = tag[1]
		}
	}

	return zc
}

func parseAmount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ReplyTo returns the event id a post replies to, or "" for a root post
func ReplyTo(event *nostr.Event) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			return tag[1]
		}
	}
	return ""
}

// ReferencedPost returns the post id a zap receipt pays, or ""
func ReferencedPost(event *nostr.Event) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			return tag[1]
		}
	}
	return ""
}

// TagValue returns the first value of the named tag, or ""
func TagValue(event *nostr.Event, name string) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// HasFeedTag reports whether a post carries the feed's "t" tag
func HasFeedTag(event *nostr.Event, feedTag string) bool {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "t" && tag[1] == feedTag {
			return true
		}
	}
	return false
}

// DedupEvents removes duplicate events by id, preserving first-seen order.
// Relays overlap, so the same event routinely arrives more than once.
func DedupEvents(events []*nostr.Event) []*nostr.Event {
	seen := make(map[string]struct{}, len(events))
	unique := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		unique = append(unique, ev)
	}
	return unique
}
