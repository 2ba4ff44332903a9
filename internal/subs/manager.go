package subs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/config"
	"github.com/sandwichfarm/zapfeed/internal/feed"
	"github.com/sandwichfarm/zapfeed/internal/ops"
	"github.com/sandwichfarm/zapfeed/internal/relay"
	"github.com/sandwichfarm/zapfeed/internal/schedule"
)

// postKey captures the identity of a post subscription's filter. Two
// keys comparing equal mean the filters only differ in their since
// cursor, which on its own never forces a resubscribe.
type postKey struct {
	mode    feed.Mode
	tag     string
	authors string // sorted, comma-joined
}

// Manager owns the engine's two long-lived push subscriptions and
// reconciles them against feed state changes. Reconciliation is
// debounced so a burst of store updates collapses into one diff pass,
// and an old subscription is always cancelled before its replacement
// is opened.
type Manager struct {
	cfg        *config.Config
	subscriber relay.Subscriber
	log        *ops.Logger
	onPost     func(*nostr.Event)
	onReceipt  func(*nostr.Event)
	debounce   func(func())

	// mu guards latest and closed only. It must never be held across an
	// Unsubscribe: the subscription's event pump can be mid-delivery into
	// Reconcile, which takes mu, and Unsubscribe waits for the pump.
	mu     sync.Mutex
	latest feed.Snapshot
	closed bool

	// applyMu serializes diff passes and guards the handles below.
	applyMu    sync.Mutex
	postSub    *relay.Subscription
	postFilter postKey
	postSince  nostr.Timestamp
	receiptSub *relay.Subscription
	receiptIDs map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(ctx context.Context, cfg *config.Config, subscriber relay.Subscriber, log *ops.Logger, onPost, onReceipt func(*nostr.Event)) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	window := time.Duration(cfg.Subscriptions.DebounceMs) * time.Millisecond
	return &Manager{
		cfg:        cfg,
		subscriber: subscriber,
		log:        log.WithComponent("subs"),
		onPost:     onPost,
		onReceipt:  onReceipt,
		debounce:   schedule.Debounce(window),
		ctx:        managerCtx,
		cancel:     cancel,
	}
}

// Reconcile records the latest feed state and schedules a debounced
// diff pass. Safe to call from store notification callbacks.
func (m *Manager) Reconcile(snapshot feed.Snapshot) {
	m.mu.Lock()
	m.latest = snapshot
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	m.debounce(m.apply)
}

// Close tears down both subscriptions. Further Reconcile calls no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	m.applyMu.Lock()
	postSub := m.postSub
	receiptSub := m.receiptSub
	m.postSub = nil
	m.receiptSub = nil
	m.applyMu.Unlock()

	postSub.Unsubscribe()
	receiptSub.Unsubscribe()
}

// apply runs one diff pass against the most recent snapshot
func (m *Manager) apply() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	snap := m.latest
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}

	m.applyPostSub(snap)
	m.applyReceiptSub(snap)
}

// applyPostSub reconciles the new-post subscription. Callers hold m.applyMu.
func (m *Manager) applyPostSub(snap feed.Snapshot) {
	key, ok := m.desiredPostKey(snap)
	if !ok {
		if m.postSub != nil {
			m.log.LogSubscription("posts", "closed", "no eligible filter")
			m.releasePost()
		}
		return
	}

	since := snap.MaxCreatedAt() + 1

	if m.postSub != nil && m.postFilter == key {
		// Identical filter: only a large since drift in either direction
		// justifies the resubscribe gap.
		drift := int64(since) - int64(m.postSince)
		if drift < 0 {
			drift = -drift
		}
		if drift <= int64(m.cfg.Subscriptions.SinceDriftSeconds) {
			return
		}
	}

	m.releasePost()

	filter := nostr.Filter{
		Kinds: []int{feed.KindPost},
		Tags:  nostr.TagMap{"t": []string{key.tag}},
		Since: &since,
	}
	if key.mode == feed.ModeFollowing {
		filter.Authors = strings.Split(key.authors, ",")
	}

	sub, err := m.subscriber.Subscribe(m.ctx, nostr.Filters{filter}, m.onPost)
	if err != nil {
		m.log.Warn("post subscription failed", "error", err)
		return
	}

	m.postSub = sub
	m.postFilter = key
	m.postSince = since
	m.log.LogSubscription("posts", "opened", "filter changed")
}

// applyReceiptSub reconciles the receipt subscription against the
// working set. Callers hold m.applyMu.
func (m *Manager) applyReceiptSub(snap feed.Snapshot) {
	var ids []string
	if snap.Ready {
		ids = snap.WorkingSetIDs()
	}

	if len(ids) == 0 {
		if m.receiptSub != nil {
			m.log.LogSubscription("receipts", "closed", "working set empty")
			m.releaseReceipt()
		}
		return
	}

	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	if m.receiptSub != nil && sameIDSet(m.receiptIDs, idSet) {
		return
	}

	m.releaseReceipt()

	filter := nostr.Filter{
		Kinds: []int{feed.KindZapReceipt},
		Tags:  nostr.TagMap{"e": ids},
	}

	sub, err := m.subscriber.Subscribe(m.ctx, nostr.Filters{filter}, m.onReceipt)
	if err != nil {
		m.log.Warn("receipt subscription failed", "error", err)
		return
	}

	m.receiptSub = sub
	m.receiptIDs = idSet
	m.log.LogSubscription("receipts", "opened", "working set changed")
}

// desiredPostKey decides whether a post subscription should exist and
// what its filter identity is.
func (m *Manager) desiredPostKey(snap feed.Snapshot) (postKey, bool) {
	if !snap.Ready || len(snap.Posts) == 0 {
		// An empty working set has no since cursor; a subscription here
		// would replay history from the epoch.
		return postKey{}, false
	}

	key := postKey{mode: snap.Mode, tag: m.cfg.Feed.Tag}

	if snap.Mode == feed.ModeFollowing {
		if len(snap.Following) == 0 || len(snap.Following) > m.cfg.Feed.MaxFilterAuthors {
			return postKey{}, false
		}
		authors := make([]string, len(snap.Following))
		copy(authors, snap.Following)
		sort.Strings(authors)
		key.authors = strings.Join(authors, ",")
	}

	return key, true
}

// releasePost cancels the post subscription before any replacement is
// opened. Callers hold m.applyMu but not m.mu, so a pump draining its
// last event through Reconcile can finish.
func (m *Manager) releasePost() {
	m.postSub.Unsubscribe()
	m.postSub = nil
	m.postFilter = postKey{}
	m.postSince = 0
}

func (m *Manager) releaseReceipt() {
	m.receiptSub.Unsubscribe()
	m.receiptSub = nil
	m.receiptIDs = nil
}

func sameIDSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
