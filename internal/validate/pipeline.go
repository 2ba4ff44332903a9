package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sandwichfarm/zapfeed/internal/feed"
	"github.com/sandwichfarm/zapfeed/internal/lnurl"
	"github.com/sandwichfarm/zapfeed/internal/ops"
)

// AddressChecker verifies that a lightning address resolves to a
// well-formed LNURL-pay endpoint.
type AddressChecker interface {
	Resolve(ctx context.Context, address string) (*lnurl.PayParams, error)
}

// proofLookup resolves a nip05 identifier to the pubkey its identity
// document claims. Defaults to nip05.QueryIdentifier.
type proofLookup func(ctx context.Context, identifier string) (*nostr.ProfilePointer, error)

// Pipeline verifies the claims payable posts make: lightning addresses
// must resolve to an LNURL-pay endpoint, and nip05 identifiers must map
// back to the claiming pubkey. Each distinct claim is verified at most
// once per session; results fan out to every post sharing the claim.
// Failures are cached as invalid and never retried.
type Pipeline struct {
	checker AddressChecker
	lookup  proofLookup
	timeout time.Duration
	store   *feed.Store
	log     *ops.Logger

	addrResults  *xsync.MapOf[string, feed.ValidationState]
	addrPending  *xsync.MapOf[string, struct{}]
	proofResults *xsync.MapOf[string, feed.ValidationState]
	proofPending *xsync.MapOf[string, struct{}]

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

func NewPipeline(ctx context.Context, checker AddressChecker, store *feed.Store, timeout time.Duration, log *ops.Logger) *Pipeline {
	pipelineCtx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		checker:      checker,
		lookup:       nip05.QueryIdentifier,
		timeout:      timeout,
		store:        store,
		log:          log.WithComponent("validate"),
		addrResults:  xsync.NewMapOf[string, feed.ValidationState](),
		addrPending:  xsync.NewMapOf[string, struct{}](),
		proofResults: xsync.NewMapOf[string, feed.ValidationState](),
		proofPending: xsync.NewMapOf[string, struct{}](),
		ctx:          pipelineCtx,
		cancel:       cancel,
	}
}

// Start subscribes the pipeline to feed state changes
func (p *Pipeline) Start() {
	p.unsubscribe = p.store.Subscribe(p.onSnapshot)
	p.onSnapshot(p.store.Snapshot())
}

// Close stops in-flight verifications and detaches from the store
func (p *Pipeline) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.cancel()
}

// onSnapshot scans held posts for unchecked claims. Cached results apply
// immediately; unseen claims spawn one verification each. Posts that
// arrive later sharing an already-checked claim pick the result up on
// the next scan.
func (p *Pipeline) onSnapshot(snap feed.Snapshot) {
	if p.ctx.Err() != nil {
		return
	}

	for _, post := range p.allPosts(snap) {
		p.scheduleAddress(post)
		p.scheduleProof(post)
	}
}

func (p *Pipeline) allPosts(snap feed.Snapshot) []*feed.Post {
	posts := make([]*feed.Post, 0, len(snap.Posts)+len(snap.Replies))
	posts = append(posts, snap.Posts...)
	posts = append(posts, snap.Replies...)
	return posts
}

func (p *Pipeline) scheduleAddress(post *feed.Post) {
	if post.AddressValidation != feed.ValidationUnknown {
		return
	}
	address := post.PaymentAddress()
	if address == "" || !post.Constraints.Declared() {
		return
	}

	if state, ok := p.addrResults.Load(address); ok {
		p.applyAddress(address, state)
		return
	}

	if _, inFlight := p.addrPending.LoadOrStore(address, struct{}{}); inFlight {
		return
	}

	p.markAddressPending(address)
	go p.verifyAddress(address)
}

func (p *Pipeline) scheduleProof(post *feed.Post) {
	if post.ProofValidation != feed.ValidationUnknown {
		return
	}
	if post.Profile == nil || post.Profile.Nip05 == "" {
		return
	}

	identifier := post.Profile.Nip05
	key := proofKey(identifier, post.Author)

	if state, ok := p.proofResults.Load(key); ok {
		p.applyProof(identifier, post.Author, state)
		return
	}

	if _, inFlight := p.proofPending.LoadOrStore(key, struct{}{}); inFlight {
		return
	}

	p.markProofPending(identifier, post.Author)
	go p.verifyProof(identifier, post.Author)
}

func (p *Pipeline) verifyAddress(address string) {
	defer p.addrPending.Delete(address)

	_, err := p.checker.Resolve(p.ctx, address)
	if p.ctx.Err() != nil {
		return
	}

	state := feed.ValidationValid
	if err != nil {
		state = feed.ValidationInvalid
	}
	p.log.LogValidation("address", address, state == feed.ValidationValid, err)

	p.addrResults.Store(address, state)
	p.applyAddress(address, state)
}

func (p *Pipeline) verifyProof(identifier, pubkey string) {
	key := proofKey(identifier, pubkey)
	defer p.proofPending.Delete(key)

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	pointer, err := p.lookup(ctx, identifier)
	cancel()
	if p.ctx.Err() != nil {
		return
	}
	if err == nil && !strings.EqualFold(pointer.PublicKey, pubkey) {
		err = fmt.Errorf("identity document maps %q to a different pubkey", identifier)
	}

	state := feed.ValidationValid
	if err != nil {
		state = feed.ValidationInvalid
	}
	p.log.LogValidation("nip05", identifier, state == feed.ValidationValid, err)

	p.proofResults.Store(key, state)
	p.applyProof(identifier, pubkey, state)
}

func (p *Pipeline) markAddressPending(address string) {
	p.store.UpdatePosts(func(post *feed.Post) bool {
		if post.AddressValidation != feed.ValidationUnknown || post.PaymentAddress() != address {
			return false
		}
		post.AddressValidation = feed.ValidationPending
		return true
	})
}

func (p *Pipeline) markProofPending(identifier, pubkey string) {
	p.store.UpdatePosts(func(post *feed.Post) bool {
		if !proofMatches(post, identifier, pubkey) || post.ProofValidation != feed.ValidationUnknown {
			return false
		}
		post.ProofValidation = feed.ValidationPending
		return true
	})
}

// applyAddress fans a verification result out to every post sharing the
// address, recomputing payability.
func (p *Pipeline) applyAddress(address string, state feed.ValidationState) {
	p.store.UpdatePosts(func(post *feed.Post) bool {
		if post.PaymentAddress() != address || post.AddressValidation == state {
			return false
		}
		post.AddressValidation = state
		post.RecomputePayable()
		return true
	})
}

func (p *Pipeline) applyProof(identifier, pubkey string, state feed.ValidationState) {
	p.store.UpdatePosts(func(post *feed.Post) bool {
		if !proofMatches(post, identifier, pubkey) || post.ProofValidation == state {
			return false
		}
		post.ProofValidation = state
		return true
	})
}

func proofMatches(post *feed.Post, identifier, pubkey string) bool {
	return post.Author == pubkey && post.Profile != nil && post.Profile.Nip05 == identifier
}

func proofKey(identifier, pubkey string) string {
	return identifier + "|" + pubkey
}
