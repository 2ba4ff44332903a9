package feed

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/profiles"
)

// ValidationState tracks the outcome of a background claim verification
type ValidationState int

const (
	// ValidationUnknown means the claim has not been checked yet.
	ValidationUnknown ValidationState = iota
	// ValidationPending means a verification is in flight.
	ValidationPending
	// ValidationValid means the claim verified successfully.
	ValidationValid
	// ValidationInvalid means the claim failed verification; it is not
	// retried automatically.
	ValidationInvalid
)

// Payment is a normalized zap receipt attributed to exactly one post.
// The resolved payer is cached here so it is parsed once per receipt.
type Payment struct {
	ReceiptID   string // receipt event id, the dedup key
	PostID      string
	Payer       string // zap request pubkey, falling back to the receipt signer
	PayerName   string
	PayerAvatar string
	AmountMsat  int64 // zero when the invoice could not be decoded
	Message     string
	CreatedAt   nostr.Timestamp
}

// Post is a payable feed entry assembled progressively from a post event,
// the author's profile, and the zap receipts referencing it. Posts are
// treated as immutable once published to a snapshot; mutations go through
// the store, which clones and replaces.
type Post struct {
	ID          string
	Author      string
	CreatedAt   nostr.Timestamp
	Content     string
	ReplyTo     string
	Constraints ZapConstraints

	Profile  *profiles.Profile
	Payments []Payment // arrival order, never reordered

	Payable bool

	// Transient loading flags
	ProfileLoading  bool
	ReceiptsLoading bool

	AddressValidation ValidationState
	ProofValidation   ValidationState
}

// ZapTotalMsat returns the cumulative amount across all stored payments,
// including ones that do not count toward usage.
func (p *Post) ZapTotalMsat() int64 {
	var total int64
	for _, pay := range p.Payments {
		total += pay.AmountMsat
	}
	return total
}

// UsesCurrent returns the number of consumed uses, capped at the declared
// maximum. Only in-range payments from the required payer (when one is
// declared) consume a use; everything else is stored and displayed but
// not counted.
func (p *Post) UsesCurrent() int {
	uses := 0
	for _, pay := range p.Payments {
		if p.countsTowardUse(pay) {
			uses++
		}
	}
	if p.Constraints.MaxUses > 0 && uses > p.Constraints.MaxUses {
		return p.Constraints.MaxUses
	}
	return uses
}

func (p *Post) countsTowardUse(pay Payment) bool {
	if !p.Constraints.InRange(pay.AmountMsat) {
		return false
	}
	if p.Constraints.RequiredPayer != "" && pay.Payer != p.Constraints.RequiredPayer {
		return false
	}
	return true
}

// UsesExhausted reports whether the post has consumed its declared uses
func (p *Post) UsesExhausted() bool {
	return p.Constraints.MaxUses > 0 && p.UsesCurrent() >= p.Constraints.MaxUses
}

// PaymentAddress returns the address zaps should pay to: the declared
// override, or the author profile's Lightning address.
func (p *Post) PaymentAddress() string {
	if p.Constraints.AddressOverride != "" {
		return p.Constraints.AddressOverride
	}
	return p.Profile.PaymentAddress()
}

// RecomputePayable derives the payability flag: an address must be
// resolvable (or overridden), at least one amount bound declared, and the
// address must not have failed verification.
func (p *Post) RecomputePayable() {
	p.Payable = p.PaymentAddress() != "" &&
		p.Constraints.Declared() &&
		p.AddressValidation != ValidationInvalid
}

// HasPayment reports whether a receipt id is already attributed to the post
func (p *Post) HasPayment(receiptID string) bool {
	for _, pay := range p.Payments {
		if pay.ReceiptID == receiptID {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy with its own payments slice, for
// replace-on-write mutation through the store.
func (p *Post) Clone() *Post {
	clone := *p
	clone.Payments = make([]Payment, len(p.Payments))
	copy(clone.Payments, p.Payments)
	return &clone
}
